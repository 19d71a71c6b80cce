// Package pool 管理唯一的渲染会话资源,保证同一时刻只有一个借用方
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/browser"
	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/rs/zerolog/log"
)

var (
	// ErrPoolClosed 会话池已关闭
	ErrPoolClosed = errors.New("会话池已关闭")
	// ErrDrained 等待期间会话池被清空(浏览器重启)
	ErrDrained = errors.New("会话池已被清空,等待中的获取请求被拒绝")
	// ErrAcquireTimeout 获取会话超时
	ErrAcquireTimeout = errors.New("获取会话资源超时")
)

// Factory 会话资源工厂,browser.Browser满足该接口
type Factory interface {
	NewSession(ctx context.Context) (browser.Session, error)
	Ping(ctx context.Context) error
}

// Config 会话池配置
type Config struct {
	AcquireTimeout time.Duration // 默认获取超时
	MaxAge         time.Duration // 资源最大存活时长,0表示不限制
	PingTimeout    time.Duration // 校验连接可达的超时
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		AcquireTimeout: 30 * time.Second,
		MaxAge:         30 * time.Minute,
		PingTimeout:    3 * time.Second,
	}
}

type poolState int

const (
	stateOpen      poolState = iota
	stateSuspended           // 已清空,等待Resume
	stateClosed
)

// SessionPool 容量为1的会话池
//
// slot是容量为1的令牌channel: Acquire发送令牌,Release取回令牌。
// 阻塞在发送上的多个Acquire按先来先得的顺序被唤醒。
type SessionPool struct {
	cfg  Config
	slot chan struct{}

	mu         sync.Mutex
	state      poolState
	factory    Factory
	resource   *SessionResource
	generation uint64
	drainCh    chan struct{} // Drain/Close时关闭,唤醒正在等待令牌的Acquire
	resumeCh   chan struct{} // Resume/Close时关闭,唤醒挂起期间的Acquire

	created   atomic.Int64
	destroyed atomic.Int64
}

// New 创建会话池,factory为nil时会话池处于挂起状态,直到Resume
func New(cfg Config, factory Factory) *SessionPool {
	def := DefaultConfig()
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}

	p := &SessionPool{
		cfg:      cfg,
		slot:     make(chan struct{}, 1),
		drainCh:  make(chan struct{}),
		resumeCh: make(chan struct{}),
		factory:  factory,
	}
	if factory == nil {
		p.state = stateSuspended
	} else {
		close(p.resumeCh)
	}
	return p
}

// Acquire 获取会话资源,状态从Idle变为InUse
// timeout<=0时使用配置的默认超时。资源校验失败时透明地销毁并重建,
// 只有重建本身失败才返回ResourceCreateFailed。
func (p *SessionPool) Acquire(ctx context.Context, timeout time.Duration) (*SessionResource, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		p.mu.Lock()
		state := p.state
		drainCh, resumeCh := p.drainCh, p.resumeCh
		p.mu.Unlock()

		switch state {
		case stateClosed:
			return nil, models.NewError(models.KindPoolClosed, "pool.acquire", ErrPoolClosed)
		case stateSuspended:
			// 重启期间阻塞等待,而不是立即失败
			select {
			case <-resumeCh:
				continue
			case <-ctx.Done():
				return nil, p.timeoutError(ctx)
			}
		}

		select {
		case p.slot <- struct{}{}:
		case <-drainCh:
			return nil, models.NewError(models.KindPoolExhausted, "pool.acquire", ErrDrained)
		case <-ctx.Done():
			return nil, p.timeoutError(ctx)
		}

		res, retry, err := p.checkout(ctx)
		if err != nil || retry {
			p.freeSlot()
		}
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		return res, nil
	}
}

// checkout 持有令牌时取出或创建资源
// retry=true表示期间会话池状态发生变化,需要重新排队
func (p *SessionPool) checkout(ctx context.Context) (*SessionResource, bool, error) {
	p.mu.Lock()
	if p.state != stateOpen {
		p.mu.Unlock()
		return nil, true, nil
	}
	res := p.resource
	factory := p.factory
	gen := p.generation
	p.mu.Unlock()

	if res != nil {
		if p.Validate(ctx, res) {
			p.mu.Lock()
			if p.generation == gen && p.resource == res {
				res.leased = true
				res.setStatus(models.ResourceInUse)
				p.mu.Unlock()
				return res, false, nil
			}
			p.mu.Unlock()
			return nil, true, nil
		}
		log.Debug().Str("resource_id", res.ID).Msg("会话资源校验失败,销毁后重建")
		p.mu.Lock()
		if p.resource == res {
			p.resource = nil
		}
		p.mu.Unlock()
		p.destroy(res)
	}

	session, err := factory.NewSession(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, p.timeoutError(ctx)
		}
		return nil, false, models.NewError(models.KindResourceCreateFailed, "pool.create", err)
	}

	fresh := newResource(session, gen)
	p.mu.Lock()
	if p.generation != gen || p.state != stateOpen {
		p.mu.Unlock()
		// 创建期间发生了Drain,新标签页属于旧浏览器
		_ = session.Close()
		return nil, true, nil
	}
	p.resource = fresh
	fresh.leased = true
	fresh.setStatus(models.ResourceInUse)
	p.mu.Unlock()

	p.created.Add(1)
	log.Debug().Str("resource_id", fresh.ID).Str("session", session.ID()).Msg("创建新的会话资源")
	return fresh, false, nil
}

func (p *SessionPool) timeoutError(ctx context.Context) error {
	return models.NewError(models.KindPoolExhausted, "pool.acquire",
		fmt.Errorf("%w: %v", ErrAcquireTimeout, context.Cause(ctx)))
}

// Release 归还资源
// 资源仍然有效时变为Idle,否则销毁,下次Acquire时重建
func (p *SessionPool) Release(res *SessionResource) {
	if res == nil {
		return
	}
	p.mu.Lock()
	if !res.leased {
		p.mu.Unlock()
		return
	}
	current := p.resource == res && p.generation == res.generation && p.state == stateOpen
	p.mu.Unlock()

	valid := current && p.Validate(context.Background(), res)

	p.mu.Lock()
	res.leased = false
	if valid && p.resource == res {
		res.setStatus(models.ResourceIdle)
		p.mu.Unlock()
	} else {
		if p.resource == res {
			p.resource = nil
		}
		p.mu.Unlock()
		log.Debug().Str("resource_id", res.ID).Msg("归还的会话资源已失效,销毁")
		p.destroy(res)
	}
	p.freeSlot()
}

// ForceRelease 强制归还并销毁资源,用于任务超时被放弃的情况
func (p *SessionPool) ForceRelease(res *SessionResource) {
	if res == nil {
		return
	}
	p.mu.Lock()
	leased := res.leased
	res.leased = false
	if p.resource == res {
		p.resource = nil
	}
	p.mu.Unlock()

	p.destroy(res)
	if leased {
		log.Warn().Str("resource_id", res.ID).Msg("强制释放会话资源")
		p.freeSlot()
	}
}

// Validate 校验资源: 未超过最大存活时长、状态可用、底层连接可达
func (p *SessionPool) Validate(ctx context.Context, res *SessionResource) bool {
	if res == nil || !res.Usable() {
		return false
	}
	if p.cfg.MaxAge > 0 && res.Age() > p.cfg.MaxAge {
		return false
	}

	p.mu.Lock()
	factory := p.factory
	p.mu.Unlock()
	if factory == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
	defer cancel()
	if err := factory.Ping(ctx); err != nil {
		log.Debug().Err(err).Msg("浏览器连接不可达")
		return false
	}
	return true
}

// Drain 清空会话池: 销毁资源,拒绝正在等待的获取请求,之后的获取请求阻塞到Resume
func (p *SessionPool) Drain() {
	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		return
	}
	if p.state == stateOpen {
		p.resumeCh = make(chan struct{})
	}
	p.state = stateSuspended
	close(p.drainCh)
	p.drainCh = make(chan struct{})
	p.generation++
	p.factory = nil
	res := p.resource
	p.resource = nil
	p.mu.Unlock()

	if res != nil {
		p.destroy(res)
	}
	log.Info().Msg("会话池已清空")
}

// Resume 使用新的工厂重新开放会话池
func (p *SessionPool) Resume(factory Factory) error {
	if factory == nil {
		return errors.New("factory不能为空")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateClosed {
		return models.NewError(models.KindPoolClosed, "pool.resume", ErrPoolClosed)
	}
	p.factory = factory
	if p.state == stateSuspended {
		p.state = stateOpen
		close(p.resumeCh)
	}
	log.Info().Msg("会话池已恢复")
	return nil
}

// Invalidate 将指定标签页对应的资源标记为Invalid,sessionID为空时匹配当前资源
// 空闲的资源立即销毁,借出中的资源在归还时销毁
func (p *SessionPool) Invalidate(sessionID string) bool {
	p.mu.Lock()
	res := p.resource
	if res == nil || (sessionID != "" && res.session.ID() != sessionID) {
		p.mu.Unlock()
		return false
	}
	res.setStatus(models.ResourceInvalid)
	idle := !res.leased
	if idle {
		p.resource = nil
	}
	p.mu.Unlock()

	if idle {
		p.destroy(res)
	}
	log.Warn().Str("resource_id", res.ID).Msg("会话资源已标记为失效")
	return true
}

// EvictExpired 销毁超过最大存活时长的空闲资源
func (p *SessionPool) EvictExpired() bool {
	if p.cfg.MaxAge <= 0 {
		return false
	}
	p.mu.Lock()
	res := p.resource
	if res == nil || res.leased || res.Age() <= p.cfg.MaxAge {
		p.mu.Unlock()
		return false
	}
	p.resource = nil
	p.mu.Unlock()

	p.destroy(res)
	log.Info().Str("resource_id", res.ID).Dur("age", res.Age()).Msg("空闲会话资源超过最大存活时长,已回收")
	return true
}

// RunEviction 周期性回收过期资源,阻塞直到ctx结束
func (p *SessionPool) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.EvictExpired()
		}
	}
}

// Close 关闭会话池,之后所有获取请求返回PoolClosed
func (p *SessionPool) Close() {
	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		return
	}
	if p.state == stateSuspended {
		close(p.resumeCh)
	}
	p.state = stateClosed
	close(p.drainCh)
	p.factory = nil
	res := p.resource
	p.resource = nil
	p.mu.Unlock()

	if res != nil {
		p.destroy(res)
	}
	log.Info().Msg("会话池已关闭")
}

// Stats 返回统计信息
func (p *SessionPool) Stats() models.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := models.PoolStats{
		Created:   p.created.Load(),
		Destroyed: p.destroyed.Load(),
		Open:      p.state == stateOpen,
	}
	if p.resource != nil {
		stats.Status = p.resource.Status()
	}
	return stats
}

func (p *SessionPool) destroy(res *SessionResource) {
	res.destroyOnce.Do(func() {
		res.setStatus(models.ResourceClosed)
		if err := res.session.Close(); err != nil {
			log.Debug().Err(err).Msg("关闭标签页失败")
		}
		p.destroyed.Add(1)
	})
}

func (p *SessionPool) freeSlot() {
	select {
	case <-p.slot:
	default:
	}
}
