package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/browser"
	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/RecoveryAshes/RenderGuard/internal/pipeline"
	"github.com/RecoveryAshes/RenderGuard/internal/pool"
	"github.com/RecoveryAshes/RenderGuard/internal/queue"
	"github.com/RecoveryAshes/RenderGuard/internal/supervisor"
	"github.com/RecoveryAshes/RenderGuard/internal/watchdog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Observer 接收服务运行事件,用于指标等旁路统计
type Observer interface {
	JobCompleted(job *models.Job, result models.JobResult)
	StateChanged(from, to models.SupervisorState)
	MemorySampled(sample models.MemorySample, pressure models.MemoryPressure)
}

// Options 可替换的服务依赖,零值使用真实实现
type Options struct {
	Engine  browser.Engine
	Sampler watchdog.Sampler
	Headers models.HeaderProvider
}

// Service 组装浏览器引擎、会话池、监督器、任务队列、流水线与内存看门狗
type Service struct {
	cfg *Config

	pool       *pool.SessionPool
	supervisor *supervisor.Supervisor
	queue      *queue.JobQueue
	pipeline   *pipeline.Pipeline
	monitor    *watchdog.ResourceMonitor

	mu        sync.RWMutex
	observers []Observer
	onFatal   func(error)
	publicURL string
}

// NewService 根据配置创建服务,浏览器在Start时才启动
func NewService(cfg *Config, opts Options) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	engine := opts.Engine
	if engine == nil {
		engine = browser.NewRodEngine(cfg.Browser.RodOptions())
	}

	provider := opts.Headers
	if provider == nil {
		hm, err := NewHeaderManager(cfg.Pipeline.HeadersFile, nil)
		if err != nil {
			return nil, err
		}
		provider = hm
	}
	userAgent, extra, err := SessionHeaders(provider)
	if err != nil {
		return nil, fmt.Errorf("加载请求头失败: %w", err)
	}
	// 配置文件中的UA只覆盖内置默认值,不覆盖headers文件或命令行
	if cfg.Pipeline.UserAgent != "" && userAgent == DefaultUserAgent {
		userAgent = cfg.Pipeline.UserAgent
	}

	s := &Service{cfg: cfg}
	s.pipeline = pipeline.New(cfg.Pipeline.Options(userAgent, extra))
	s.pool = pool.New(cfg.Pool.Options(), nil)
	s.supervisor = supervisor.New(cfg.Supervisor.Options(), engine, s.pool)
	s.supervisor.OnTransition(s.stateChanged)
	s.supervisor.OnFatal(s.fatal)

	exec := &executor{
		pool:       s.pool,
		pipeline:   s.pipeline,
		restarter:  s.supervisor,
		acquireTTL: cfg.Pool.AcquireTimeout,
		leases:     make(map[string]*pool.SessionResource),
	}
	s.queue = queue.New(cfg.Queue.Options(), exec)

	if cfg.Watchdog.Enabled {
		sampler := opts.Sampler
		if sampler == nil {
			ps, err := watchdog.NewProcessSampler()
			if err != nil {
				return nil, fmt.Errorf("创建内存采样器失败: %w", err)
			}
			sampler = ps
		}
		s.monitor = watchdog.NewResourceMonitor(cfg.Watchdog.Options(), sampler, s.queue, s.supervisor)
		s.monitor.OnSample(s.memorySampled)
	}

	log.Debug().
		Str("user_agent", userAgent).
		Int("extra_headers", len(extra)).
		Dur("job_timeout", cfg.Queue.JobTimeout).
		Msg("服务已创建")
	return s, nil
}

// AddObserver 注册事件观察者
func (s *Service) AddObserver(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// OnFatal 设置监督器进入Fatal状态时的回调
func (s *Service) OnFatal(fn func(error)) {
	s.mu.Lock()
	s.onFatal = fn
	s.mu.Unlock()
}

// SetPublicURL 记录隧道暴露的公网地址
func (s *Service) SetPublicURL(u string) {
	s.mu.Lock()
	s.publicURL = u
	s.mu.Unlock()
}

// Start 启动浏览器与监督器
func (s *Service) Start(ctx context.Context) error {
	return s.supervisor.Start(ctx)
}

// Run 运行后台维护任务(空闲资源淘汰、内存看门狗),阻塞直到ctx结束
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if interval := s.cfg.Pool.EvictInterval; interval > 0 && s.cfg.Pool.MaxAge > 0 {
		g.Go(func() error {
			s.pool.RunEviction(ctx, interval)
			return nil
		})
	}
	if s.monitor != nil {
		g.Go(func() error {
			return s.monitor.Run(ctx)
		})
	}
	return g.Wait()
}

// Submit 提交任务
// 非法任务在入队前直接失败,不会占用会话资源
func (s *Service) Submit(job *models.Job) <-chan models.JobResult {
	job.EnsureID()
	out := make(chan models.JobResult, 1)

	if err := job.Validate(s.pipeline.Config().AllowedSchemes); err != nil {
		log.Warn().Str("job_id", job.ID).Str("url", job.URL).Err(err).Msg("任务校验失败")
		r := models.FailedFromError(job.ID, err)
		s.jobCompleted(job, r)
		out <- r
		return out
	}

	in := s.queue.Enqueue(job)
	go func() {
		r := <-in
		s.jobCompleted(job, r)
		out <- r
	}()
	return out
}

// Do 提交任务并等待结果
func (s *Service) Do(ctx context.Context, job *models.Job) models.JobResult {
	select {
	case r := <-s.Submit(job):
		return r
	case <-ctx.Done():
		return models.Failed(job.ID, models.KindJobTimeout, fmt.Sprintf("等待任务结果被取消: %v", ctx.Err()))
	}
}

// RequestRestart 手动请求重启浏览器
func (s *Service) RequestRestart() bool {
	return s.supervisor.RequestRestart(models.ReasonManual)
}

// Status 返回只读运行状态快照
func (s *Service) Status() models.StatusSnapshot {
	snap := models.StatusSnapshot{
		QueueSize:  s.queue.Size(),
		Pending:    s.queue.Pending(),
		Supervisor: s.supervisor.State(),
		Restart:    s.supervisor.RestartState(),
		Pool:       s.pool.Stats(),
	}
	if s.monitor != nil {
		snap.Memory, snap.Pressure = s.monitor.Latest()
	}
	s.mu.RLock()
	snap.PublicURL = s.publicURL
	s.mu.RUnlock()
	return snap
}

// Shutdown 停止接收任务,等待已入队任务完成后关闭浏览器
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.queue.Shutdown(ctx)
	s.supervisor.Stop()
	if err != nil {
		log.Warn().Err(err).Msg("等待任务完成超时,剩余任务已取消")
	}
	log.Info().Msg("服务已停止")
	return err
}

func (s *Service) snapshotObservers() []Observer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Observer(nil), s.observers...)
}

func (s *Service) jobCompleted(job *models.Job, r models.JobResult) {
	ev := log.Info()
	if r.Failure != nil {
		ev = log.Warn().Str("kind", r.Kind().String()).Str("reason", r.Failure.Message)
	}
	ev.Str("job_id", r.JobID).Str("url", job.URL).Dur("duration", r.Duration).Msg("任务完成")

	for _, o := range s.snapshotObservers() {
		o.JobCompleted(job, r)
	}
}

func (s *Service) stateChanged(from, to models.SupervisorState) {
	for _, o := range s.snapshotObservers() {
		o.StateChanged(from, to)
	}
}

func (s *Service) memorySampled(sample models.MemorySample, pressure models.MemoryPressure) {
	for _, o := range s.snapshotObservers() {
		o.MemorySampled(sample, pressure)
	}
}

func (s *Service) fatal(err error) {
	log.Error().Err(err).Msg("浏览器无法恢复,停止接收任务")
	s.queue.Close()
	s.mu.RLock()
	fn := s.onFatal
	s.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// executor 队列执行器: 借用会话资源并运行流水线
type executor struct {
	pool       *pool.SessionPool
	pipeline   *pipeline.Pipeline
	restarter  interface{ RequestRestart(models.RestartReason) bool }
	acquireTTL time.Duration

	mu     sync.Mutex
	leases map[string]*pool.SessionResource
}

func (e *executor) Run(ctx context.Context, job *models.Job) models.JobResult {
	res, err := e.pool.Acquire(ctx, e.acquireTTL)
	if err != nil {
		if models.IsKind(err, models.KindResourceCreateFailed) && ctx.Err() == nil {
			// 浏览器无法创建新的标签页,等不到下一次心跳
			if e.restarter.RequestRestart(models.ReasonDisconnected) {
				log.Warn().Str("job_id", job.ID).Err(err).Msg("无法创建会话资源,请求重启浏览器")
			}
		}
		return models.FailedFromError(job.ID, err)
	}
	e.track(job.ID, res)

	r := e.pipeline.Execute(ctx, res, job)
	abandoned := !e.untrack(job.ID)
	e.pool.Release(res)

	if r.Kind() != models.KindResourceDisconnected {
		return r
	}
	if abandoned || ctx.Err() != nil {
		// 超时后资源被强制释放,不是浏览器故障
		log.Debug().Str("job_id", job.ID).Msg("已放弃任务的会话资源被关闭,不请求重启")
		return r
	}
	if e.restarter.RequestRestart(models.ReasonResourceClosed) {
		log.Warn().Str("job_id", job.ID).Msg("会话资源已断开,请求重启浏览器")
	}
	return r
}

// Abandon 任务超时后强制释放其借用的资源
func (e *executor) Abandon(job *models.Job) {
	e.mu.Lock()
	res := e.leases[job.ID]
	delete(e.leases, job.ID)
	e.mu.Unlock()
	if res != nil {
		e.pool.ForceRelease(res)
	}
}

func (e *executor) track(id string, res *pool.SessionResource) {
	e.mu.Lock()
	e.leases[id] = res
	e.mu.Unlock()
}

// untrack 返回false表示租约已被Abandon取走
func (e *executor) untrack(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.leases[id]
	delete(e.leases, id)
	return ok
}
