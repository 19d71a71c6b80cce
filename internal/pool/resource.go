package pool

import (
	"sync"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/browser"
	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/google/uuid"
)

// SessionResource 会话池持有的唯一标签页
// 只有会话池可以修改状态,借用方在Release之后不得再持有引用
type SessionResource struct {
	ID        string
	CreatedAt time.Time

	session    browser.Session
	generation uint64

	mu           sync.Mutex
	status       models.ResourceStatus
	lastActivity time.Time
	leased       bool // 受SessionPool.mu保护

	destroyOnce sync.Once
}

func newResource(session browser.Session, generation uint64) *SessionResource {
	now := time.Now()
	return &SessionResource{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		session:      session,
		generation:   generation,
		status:       models.ResourceIdle,
		lastActivity: now,
	}
}

// Session 返回底层标签页
func (r *SessionResource) Session() browser.Session {
	return r.session
}

// Status 返回当前状态
func (r *SessionResource) Status() models.ResourceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// LastActivity 最后一次使用时间
func (r *SessionResource) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Touch 刷新最后活动时间
func (r *SessionResource) Touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// Usable 资源状态可用且标签页未关闭
func (r *SessionResource) Usable() bool {
	if r == nil {
		return false
	}
	return r.Status().Usable() && !r.session.Closed()
}

// Age 资源存活时长
func (r *SessionResource) Age() time.Duration {
	return time.Since(r.CreatedAt)
}

func (r *SessionResource) setStatus(s models.ResourceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Closed是终态
	if r.status == models.ResourceClosed {
		return
	}
	r.status = s
	if s == models.ResourceInUse || s == models.ResourceIdle {
		r.lastActivity = time.Now()
	}
}
