// Package supervisor 持有浏览器句柄与会话池,负责检测故障并按顺序执行重启
//
// 状态机:
//
//	Stopped -> Healthy -> Restarting -> Healthy
//	                      Restarting -> Restarting (重试)
//	                      Restarting -> Fatal      (超过重试上限)
//
// 浏览器事件通过channel进入监督器的主循环,在同一个goroutine中串行处理。
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/browser"
	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/RecoveryAshes/RenderGuard/internal/pool"
	"github.com/rs/zerolog/log"
)

// ErrNotRunning 监督器未启动
var ErrNotRunning = errors.New("监督器未运行")

// Pool 监督器对会话池的操作
type Pool interface {
	Drain()
	Resume(factory pool.Factory) error
	Invalidate(sessionID string) bool
	Close()
}

// Config 监督器配置
type Config struct {
	MaxAttempts       int           // 连续重启失败次数上限
	Cooldown          time.Duration // 重启前的冷却时间
	LaunchTimeout     time.Duration // 单次启动浏览器的超时
	HeartbeatInterval time.Duration // 心跳检测间隔,0表示关闭
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		Cooldown:          2 * time.Second,
		LaunchTimeout:     60 * time.Second,
		HeartbeatInterval: 15 * time.Second,
	}
}

// Supervisor 健康与重启监督器
type Supervisor struct {
	cfg    Config
	engine browser.Engine
	pool   Pool

	gc           func()
	onFatal      func(error)
	onTransition func(from, to models.SupervisorState)

	mu      sync.Mutex
	state   models.SupervisorState
	restart models.RestartState
	browser browser.Browser

	trigger chan models.RestartReason
	cancel  context.CancelFunc
	done    chan struct{}
}

// New 创建监督器
func New(cfg Config, engine browser.Engine, p Pool) *Supervisor {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = def.LaunchTimeout
	}
	return &Supervisor{
		cfg:     cfg,
		engine:  engine,
		pool:    p,
		gc:      debug.FreeOSMemory,
		state:   models.StateStopped,
		restart: models.RestartState{MaxAttempts: cfg.MaxAttempts},
		trigger: make(chan models.RestartReason, 1),
	}
}

// SetGC 替换重启流程中的GC函数
func (s *Supervisor) SetGC(gc func()) {
	s.gc = gc
}

// OnFatal 设置进入Fatal状态时的回调,通常由进程入口用于退出进程
func (s *Supervisor) OnFatal(fn func(error)) {
	s.onFatal = fn
}

// OnTransition 设置状态变化回调
func (s *Supervisor) OnTransition(fn func(from, to models.SupervisorState)) {
	s.onTransition = fn
}

// Start 启动浏览器、开放会话池并开始监督
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != models.StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("监督器已处于%s状态", s.state)
	}
	s.mu.Unlock()

	b, err := s.launch(ctx)
	if err != nil {
		return err
	}
	if err := s.pool.Resume(b); err != nil {
		_ = b.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.browser = b
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()
	s.setState(models.StateHealthy)

	go s.loop(loopCtx)
	log.Info().Msg("浏览器已启动,监督器开始运行")
	return nil
}

// Stop 停止监督,关闭会话池与浏览器
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.pool.Close()
	s.mu.Lock()
	b := s.browser
	s.browser = nil
	s.mu.Unlock()
	if b != nil {
		if err := b.Close(); err != nil {
			log.Warn().Err(err).Msg("关闭浏览器失败")
		}
	}
	if s.State() != models.StateFatal {
		s.setState(models.StateStopped)
	}
	log.Info().Msg("监督器已停止")
}

// State 当前状态
func (s *Supervisor) State() models.SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RestartState 重启状态快照
func (s *Supervisor) RestartState() models.RestartState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restart
}

// RequestRestart 请求进入重启流程
// 已在重启中、已停止或已Fatal时是空操作,返回false
func (s *Supervisor) RequestRestart(reason models.RestartReason) bool {
	s.mu.Lock()
	if s.state != models.StateHealthy || s.restart.Restarting {
		s.mu.Unlock()
		return false
	}
	s.restart.Restarting = true
	s.restart.LastReason = reason
	s.mu.Unlock()

	s.setState(models.StateRestarting)
	log.Warn().Str("reason", string(reason)).Msg("请求重启浏览器")

	select {
	case s.trigger <- reason:
	default:
	}
	return true
}

func (s *Supervisor) setState(to models.SupervisorState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to && s.onTransition != nil {
		s.onTransition(from, to)
	}
}

func (s *Supervisor) current() browser.Browser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browser
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.done)

	var heartbeat <-chan time.Time
	if s.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		var events <-chan browser.Event
		if b := s.current(); b != nil {
			events = b.Events()
		}

		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			s.handleEvent(ev)
		case reason := <-s.trigger:
			if !s.runRestart(ctx, reason) {
				return
			}
		case <-heartbeat:
			s.checkHeartbeat(ctx)
		}
	}
}

func (s *Supervisor) handleEvent(ev browser.Event) {
	switch ev.Kind {
	case browser.EventDisconnected:
		log.Error().Err(ev.Err).Msg("浏览器连接断开")
		s.RequestRestart(models.ReasonDisconnected)
	case browser.EventSessionError:
		log.Error().Err(ev.Err).Str("session", ev.SessionID).Msg("标签页崩溃")
		s.RequestRestart(models.ReasonSessionError)
	case browser.EventSessionClosed:
		if s.pool.Invalidate(ev.SessionID) {
			log.Warn().Str("session", ev.SessionID).Msg("标签页被关闭")
		}
	}
}

func (s *Supervisor) checkHeartbeat(ctx context.Context) {
	b := s.current()
	if b == nil {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.Ping(pingCtx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("浏览器心跳检测失败")
		s.RequestRestart(models.ReasonDisconnected)
	}
}

// runRestart 执行重启直到成功或超过上限,返回false表示进入Fatal或被取消
func (s *Supervisor) runRestart(ctx context.Context, reason models.RestartReason) bool {
	for {
		s.mu.Lock()
		s.restart.LastAttempt = time.Now()
		attempt := s.restart.Attempts + 1
		s.mu.Unlock()

		log.Info().Str("reason", string(reason)).Int("attempt", attempt).Msg("开始重启浏览器")
		err := s.restartOnce(ctx)
		if ctx.Err() != nil {
			return false
		}
		if err == nil {
			s.mu.Lock()
			s.restart.Attempts = 0
			s.restart.Restarting = false
			s.restart.LastError = ""
			s.restart.Restarts++
			s.mu.Unlock()
			s.setState(models.StateHealthy)
			log.Info().Msg("浏览器重启成功")
			return true
		}

		s.mu.Lock()
		s.restart.Attempts++
		s.restart.LastError = err.Error()
		attempts := s.restart.Attempts
		s.mu.Unlock()
		log.Error().Err(err).Int("attempt", attempts).Int("max_attempts", s.cfg.MaxAttempts).Msg("浏览器重启失败")

		if attempts >= s.cfg.MaxAttempts {
			s.fatal(err)
			return false
		}
	}
}

// restartOnce 依次执行: 清空会话池、关闭浏览器、GC、冷却、启动浏览器、恢复会话池
func (s *Supervisor) restartOnce(ctx context.Context) error {
	s.pool.Drain()

	s.mu.Lock()
	old := s.browser
	s.browser = nil
	s.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			log.Debug().Err(err).Msg("关闭旧浏览器失败")
		}
	}

	if s.gc != nil {
		s.gc()
	}

	if s.cfg.Cooldown > 0 {
		timer := time.NewTimer(s.cfg.Cooldown)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	b, err := s.launch(ctx)
	if err != nil {
		return err
	}
	if err := s.pool.Resume(b); err != nil {
		_ = b.Close()
		return err
	}
	s.mu.Lock()
	s.browser = b
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) launch(ctx context.Context) (browser.Browser, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.LaunchTimeout)
	defer cancel()
	b, err := s.engine.Launch(ctx)
	if err != nil {
		return nil, models.NewError(models.KindResourceCreateFailed, "supervisor.launch", err)
	}
	return b, nil
}

func (s *Supervisor) fatal(cause error) {
	s.mu.Lock()
	s.restart.Restarting = false
	attempts := s.restart.Attempts
	s.mu.Unlock()
	s.setState(models.StateFatal)

	s.pool.Close()
	err := models.NewError(models.KindRestartBoundExceeded, "supervisor.restart",
		fmt.Errorf("连续%d次重启失败: %w", attempts, cause))
	log.Error().Err(err).Msg("重启次数超过上限,交由外部进程管理器处理")
	if s.onFatal != nil {
		s.onFatal(err)
	}
}
