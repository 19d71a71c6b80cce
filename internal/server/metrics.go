package server

import (
	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "renderguard"

var supervisorStates = []models.SupervisorState{
	models.StateStopped,
	models.StateHealthy,
	models.StateRestarting,
	models.StateFatal,
}

// Metrics Prometheus指标,实现core.Observer
type Metrics struct {
	registry *prometheus.Registry

	jobs        *prometheus.CounterVec
	jobDuration prometheus.Histogram
	fallbacks   prometheus.Counter
	transitions *prometheus.CounterVec
	state       *prometheus.GaugeVec
	memory      *prometheus.GaugeVec
}

// NewMetrics 创建独立注册表上的指标,status用于读取队列与会话池的实时数据
func NewMetrics(status func() models.StatusSnapshot) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Completed screenshot jobs by outcome.",
		}, []string{"outcome"}),
		jobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of screenshot jobs from dequeue to result.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 90, 120},
		}),
		fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_fallbacks_total",
			Help:      "Screenshots produced by the reduced-resolution fallback.",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_transitions_total",
			Help:      "Supervisor state transitions by target state.",
		}, []string{"to"}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "supervisor_state",
			Help:      "1 for the current supervisor state, 0 otherwise.",
		}, []string{"state"}),
		memory: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Latest memory sample by component.",
		}, []string{"component"}),
	}
	m.setState(models.StateStopped)

	if status != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_waiting",
			Help:      "Jobs waiting in the queue.",
		}, func() float64 { return float64(status().QueueSize) })
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Jobs currently executing (0 or 1).",
		}, func() float64 { return float64(status().Pending) })
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Completed browser restarts.",
		}, func() float64 { return float64(status().Restart.Restarts) })
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Browser sessions created by the pool.",
		}, func() float64 { return float64(status().Pool.Created) })
	}
	return m
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// JobCompleted 记录任务结果
func (m *Metrics) JobCompleted(_ *models.Job, r models.JobResult) {
	outcome := "success"
	if !r.OK() {
		outcome = r.Kind().String()
	}
	m.jobs.WithLabelValues(outcome).Inc()
	if r.Duration > 0 {
		m.jobDuration.Observe(r.Duration.Seconds())
	}
	if r.Artifact != nil && r.Artifact.Fallback {
		m.fallbacks.Inc()
	}
}

// StateChanged 记录监督器状态变化
func (m *Metrics) StateChanged(_, to models.SupervisorState) {
	m.transitions.WithLabelValues(string(to)).Inc()
	m.setState(to)
}

// MemorySampled 记录内存采样
func (m *Metrics) MemorySampled(s models.MemorySample, _ models.MemoryPressure) {
	m.memory.WithLabelValues("rss").Set(float64(s.RSS))
	m.memory.WithLabelValues("browser").Set(float64(s.External))
	m.memory.WithLabelValues("heap_used").Set(float64(s.HeapUsed))
	m.memory.WithLabelValues("heap_total").Set(float64(s.HeapTotal))
}

func (m *Metrics) setState(current models.SupervisorState) {
	for _, st := range supervisorStates {
		v := 0.0
		if st == current {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}
