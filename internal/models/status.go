package models

// PoolStats 会话池统计
type PoolStats struct {
	Created   int64          `json:"created"`
	Destroyed int64          `json:"destroyed"`
	Status    ResourceStatus `json:"status,omitempty"` // 当前资源状态,没有资源时为空
	Open      bool           `json:"open"`
}

// StatusSnapshot 只读运行状态快照
type StatusSnapshot struct {
	QueueSize  int             `json:"queueSize"`
	Pending    int             `json:"pending"`
	Supervisor SupervisorState `json:"supervisor"`
	Restart    RestartState    `json:"restart"`
	Memory     *MemorySample   `json:"memory,omitempty"`
	Pressure   MemoryPressure  `json:"pressure,omitempty"`
	Pool       PoolStats       `json:"pool"`
	PublicURL  string          `json:"publicUrl,omitempty"`
}
