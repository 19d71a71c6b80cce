package models

import "time"

// ResourceStatus 会话资源状态
type ResourceStatus string

const (
	ResourceIdle    ResourceStatus = "idle"
	ResourceInUse   ResourceStatus = "in_use"
	ResourceInvalid ResourceStatus = "invalid"
	ResourceClosed  ResourceStatus = "closed"
)

// Usable 资源是否仍可使用
func (s ResourceStatus) Usable() bool {
	return s == ResourceIdle || s == ResourceInUse
}

// SupervisorState 监督器状态
type SupervisorState string

const (
	StateStopped    SupervisorState = "stopped"    // 尚未启动或已停止
	StateHealthy    SupervisorState = "healthy"    // 浏览器与会话池正常
	StateRestarting SupervisorState = "restarting" // 正在执行重启流程
	StateFatal      SupervisorState = "fatal"      // 重启次数超限,交由外部进程管理器处理
)

// RestartReason 触发重启的原因
type RestartReason string

const (
	ReasonDisconnected   RestartReason = "browser_disconnected" // 浏览器连接断开/崩溃
	ReasonSessionError   RestartReason = "session_error"        // 标签页崩溃
	ReasonResourceClosed RestartReason = "resource_closed"      // 任务执行时发现资源已关闭
	ReasonMemoryPressure RestartReason = "memory_pressure"      // 内存持续超过阈值且队列空闲
	ReasonManual         RestartReason = "manual"               // 手动触发
)

// RestartState 重启状态
// 只有监督器可以修改,Restarting标志保证同一时刻只有一个重启流程
type RestartState struct {
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"maxAttempts"`
	LastAttempt time.Time     `json:"lastAttempt"`
	LastReason  RestartReason `json:"lastReason,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
	Restarting  bool          `json:"restarting"`
	Restarts    int           `json:"restarts"` // 成功完成的重启次数
}
