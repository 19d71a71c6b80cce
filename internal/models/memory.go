package models

import "time"

// MemoryPressure 内存压力等级
type MemoryPressure string

const (
	PressureNormal    MemoryPressure = "normal"
	PressureWarning   MemoryPressure = "warning"
	PressureCritical  MemoryPressure = "critical"
	PressureEmergency MemoryPressure = "emergency"
)

// Severity 返回压力等级的数值,便于比较
func (p MemoryPressure) Severity() int {
	switch p {
	case PressureWarning:
		return 1
	case PressureCritical:
		return 2
	case PressureEmergency:
		return 3
	default:
		return 0
	}
}

// MemorySample 某一时刻的内存采样,不持久化
type MemorySample struct {
	RSS       uint64    `json:"rss"`       // 本进程常驻内存(字节)
	HeapUsed  uint64    `json:"heapUsed"`  // Go堆已使用(字节)
	HeapTotal uint64    `json:"heapTotal"` // Go堆向系统申请的总量(字节)
	External  uint64    `json:"external"`  // 浏览器子进程常驻内存总和(字节)
	TakenAt   time.Time `json:"takenAt"`
}

// Total 本进程与浏览器子进程的常驻内存总和
func (s MemorySample) Total() uint64 {
	return s.RSS + s.External
}
