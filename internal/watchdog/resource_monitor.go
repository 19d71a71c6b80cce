// Package watchdog 周期性采样内存并在持续高压且队列空闲时请求重启浏览器
package watchdog

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/rs/zerolog/log"
)

// Queue 队列空闲状态
type Queue interface {
	Quiescent() bool
}

// Restarter 重启请求方,由监督器实现
type Restarter interface {
	RequestRestart(reason models.RestartReason) bool
}

// Thresholds 内存压力阈值(字节),与MemorySample.Total()比较
type Thresholds struct {
	Warning   uint64
	Critical  uint64
	Emergency uint64
}

// Config 监控配置
type Config struct {
	Interval         time.Duration // 采样间隔
	Thresholds       Thresholds    // 全部为0时按系统内存比例推算
	SustainedSamples int           // 连续多少次critical及以上才请求重启
	GCInterval       time.Duration // 周期性GC提示间隔,0表示关闭
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Interval:         10 * time.Second,
		SustainedSamples: 3,
		GCInterval:       time.Minute,
	}
}

// ResourceMonitor 内存看门狗
type ResourceMonitor struct {
	cfg       Config
	sampler   Sampler
	queue     Queue
	restarter Restarter
	gc        func()
	onSample  func(models.MemorySample, models.MemoryPressure)

	mu       sync.RWMutex
	latest   *models.MemorySample
	pressure models.MemoryPressure
	streak   int

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewResourceMonitor 创建内存看门狗
func NewResourceMonitor(cfg Config, sampler Sampler, queue Queue, restarter Restarter) *ResourceMonitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SustainedSamples <= 0 {
		cfg.SustainedSamples = def.SustainedSamples
	}
	if cfg.Thresholds == (Thresholds{}) {
		total := SystemMemory(context.Background())
		cfg.Thresholds = Thresholds{
			Warning:   total / 2,
			Critical:  total * 7 / 10,
			Emergency: total * 85 / 100,
		}
		log.Info().Msgf("系统总内存: %.2f GB, 内存临界阈值: %.2f GB",
			float64(total)/(1024*1024*1024), float64(cfg.Thresholds.Critical)/(1024*1024*1024))
	}

	return &ResourceMonitor{
		cfg:       cfg,
		sampler:   sampler,
		queue:     queue,
		restarter: restarter,
		gc:        debug.FreeOSMemory,
		pressure:  models.PressureNormal,
	}
}

// SetGC 替换GC提示函数
func (m *ResourceMonitor) SetGC(gc func()) {
	m.gc = gc
}

// OnSample 每次采样后调用,用于上报指标
func (m *ResourceMonitor) OnSample(fn func(models.MemorySample, models.MemoryPressure)) {
	m.onSample = fn
}

// Classify 判断内存压力等级
func (m *ResourceMonitor) Classify(s models.MemorySample) models.MemoryPressure {
	total := s.Total()
	t := m.cfg.Thresholds
	switch {
	case t.Emergency > 0 && total >= t.Emergency:
		return models.PressureEmergency
	case t.Critical > 0 && total >= t.Critical:
		return models.PressureCritical
	case t.Warning > 0 && total >= t.Warning:
		return models.PressureWarning
	default:
		return models.PressureNormal
	}
}

// Sample 采样一次并执行阈值检查
func (m *ResourceMonitor) Sample(ctx context.Context) (models.MemorySample, error) {
	s, err := m.sampler.Sample(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("内存采样失败")
		return s, err
	}
	pressure := m.Classify(s)

	m.mu.Lock()
	m.latest = &s
	m.pressure = pressure
	if pressure.Severity() >= models.PressureCritical.Severity() {
		m.streak++
	} else {
		m.streak = 0
	}
	streak := m.streak
	m.mu.Unlock()

	if m.onSample != nil {
		m.onSample(s, pressure)
	}

	if pressure != models.PressureNormal {
		log.Warn().
			Str("pressure", string(pressure)).
			Uint64("rss_mb", s.RSS/(1024*1024)).
			Uint64("external_mb", s.External/(1024*1024)).
			Int("streak", streak).
			Msg("内存压力升高")
	}

	if streak >= m.cfg.SustainedSamples {
		m.escalate()
	}
	return s, nil
}

// escalate 持续高压时请求重启
// 只在队列空闲时触发: 持续负载下宁可保持可用也不打断任务
func (m *ResourceMonitor) escalate() {
	if m.queue != nil && !m.queue.Quiescent() {
		log.Warn().Msg("内存持续高压,但队列中仍有任务,暂不重启")
		return
	}
	if m.restarter == nil {
		return
	}
	if m.restarter.RequestRestart(models.ReasonMemoryPressure) {
		log.Warn().Msg("内存持续高压且队列空闲,已请求重启浏览器")
	}
	m.mu.Lock()
	m.streak = 0
	m.mu.Unlock()
}

// Latest 返回最近一次采样及压力等级
func (m *ResourceMonitor) Latest() (*models.MemorySample, models.MemoryPressure) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return nil, m.pressure
	}
	s := *m.latest
	return &s, m.pressure
}

// Run 周期性采样,阻塞直到ctx结束
func (m *ResourceMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	var gcC <-chan time.Time
	if m.cfg.GCInterval > 0 {
		gcTicker := time.NewTicker(m.cfg.GCInterval)
		defer gcTicker.Stop()
		gcC = gcTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = m.Sample(ctx)
		case <-gcC:
			m.gc()
		}
	}
}

// Start 在后台启动监控,重复调用无效
func (m *ResourceMonitor) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.stopped = make(chan struct{})
	go func() {
		defer close(m.stopped)
		_ = m.Run(ctx)
	}()
}

// Stop 停止后台监控并等待退出
func (m *ResourceMonitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.stopped
	m.cancel = nil
}
