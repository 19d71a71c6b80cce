package watchdog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Sampler 内存采样器
type Sampler interface {
	Sample(ctx context.Context) (models.MemorySample, error)
}

// SamplerFunc 函数形式的采样器
type SamplerFunc func(ctx context.Context) (models.MemorySample, error)

// Sample 实现Sampler
func (f SamplerFunc) Sample(ctx context.Context) (models.MemorySample, error) {
	return f(ctx)
}

// ProcessSampler 基于gopsutil的采样器
// RSS为本进程常驻内存,External为所有子进程(浏览器及其渲染进程)的常驻内存总和
type ProcessSampler struct {
	proc *process.Process
}

// NewProcessSampler 创建当前进程的采样器
func NewProcessSampler() (*ProcessSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("获取当前进程信息失败: %w", err)
	}
	return &ProcessSampler{proc: proc}, nil
}

// Sample 采样一次内存
func (s *ProcessSampler) Sample(ctx context.Context) (models.MemorySample, error) {
	info, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return models.MemorySample{}, fmt.Errorf("读取进程内存失败: %w", err)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return models.MemorySample{
		RSS:       info.RSS,
		HeapUsed:  ms.HeapAlloc,
		HeapTotal: ms.HeapSys,
		External:  childrenRSS(ctx, s.proc, 0),
		TakenAt:   time.Now(),
	}, nil
}

// childrenRSS 递归统计子进程常驻内存
func childrenRSS(ctx context.Context, proc *process.Process, depth int) uint64 {
	if depth > 4 {
		return 0
	}
	children, err := proc.ChildrenWithContext(ctx)
	if err != nil {
		if !errors.Is(err, process.ErrorNoChildren) {
			log.Debug().Err(err).Msg("读取子进程失败")
		}
		return 0
	}

	var total uint64
	for _, child := range children {
		info, err := child.MemoryInfoWithContext(ctx)
		if err != nil {
			// 子进程可能已经退出
			continue
		}
		total += info.RSS + childrenRSS(ctx, child, depth+1)
	}
	return total
}

// SystemMemory 返回系统总内存,失败时返回默认的4GB
func SystemMemory(ctx context.Context) uint64 {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("获取系统内存失败,使用默认值")
		return 4 * 1024 * 1024 * 1024
	}
	return vm.Total
}
