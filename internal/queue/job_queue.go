// Package queue 提供并发度为1的任务队列,每个任务有硬性的超时时间
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/rs/zerolog/log"
)

// Executor 任务执行器
type Executor interface {
	// Run 执行任务,ctx在任务超时后被取消
	Run(ctx context.Context, job *models.Job) models.JobResult
	// Abandon 任务超时被放弃时调用,负责强制释放该任务借用的资源
	Abandon(job *models.Job)
}

// Config 队列配置
type Config struct {
	JobTimeout time.Duration // 单个任务的硬超时
	MaxWaiting int           // 最大等待任务数,0表示不限制
}

type entry struct {
	job    *models.Job
	result chan models.JobResult
}

// JobQueue 严格串行的任务队列
// 同一时刻最多一个任务在执行,任务按提交顺序完成
type JobQueue struct {
	cfg  Config
	exec Executor

	mu      sync.Mutex
	waiting []*entry
	pending int
	closed  bool

	notify chan struct{}
	idle   chan struct{}
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建任务队列并启动工作协程
func New(cfg Config, exec Executor) *JobQueue {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 90 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &JobQueue{
		cfg:    cfg,
		exec:   exec,
		notify: make(chan struct{}, 1),
		idle:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go q.worker()
	return q
}

// Enqueue 提交任务,返回只会收到一个结果的channel
func (q *JobQueue) Enqueue(job *models.Job) <-chan models.JobResult {
	job.EnsureID()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	result := make(chan models.JobResult, 1)

	q.mu.Lock()
	switch {
	case q.closed:
		q.mu.Unlock()
		result <- models.Failed(job.ID, models.KindQueueClosed, "队列已关闭,不再接收任务")
		return result
	case q.cfg.MaxWaiting > 0 && len(q.waiting) >= q.cfg.MaxWaiting:
		waiting := len(q.waiting)
		q.mu.Unlock()
		log.Warn().Str("job_id", job.ID).Int("waiting", waiting).Msg("等待队列已满,拒绝任务")
		result <- models.Failed(job.ID, models.KindQueueFull,
			fmt.Sprintf("等待队列已满(%d)", waiting))
		return result
	}
	q.waiting = append(q.waiting, &entry{job: job, result: result})
	size := len(q.waiting)
	q.mu.Unlock()

	log.Debug().Str("job_id", job.ID).Str("url", job.URL).Int("waiting", size).Msg("任务已入队")
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return result
}

// Do 提交任务并等待结果
func (q *JobQueue) Do(ctx context.Context, job *models.Job) models.JobResult {
	select {
	case r := <-q.Enqueue(job):
		return r
	case <-ctx.Done():
		return models.Failed(job.ID, models.KindJobTimeout, fmt.Sprintf("等待任务结果被取消: %v", ctx.Err()))
	}
}

// Size 等待中的任务数
func (q *JobQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Pending 执行中的任务数,取值0或1
func (q *JobQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Quiescent 没有等待中和执行中的任务
func (q *JobQueue) Quiescent() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending == 0 && len(q.waiting) == 0
}

// Close 停止接收新任务,已入队的任务继续执行
func (q *JobQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	log.Info().Msg("任务队列停止接收新任务")
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Idle 关闭后所有任务执行完毕时关闭的channel
func (q *JobQueue) Idle() <-chan struct{} {
	return q.idle
}

// Shutdown 关闭队列并等待任务执行完毕
// ctx结束时仍在等待的任务以QueueClosed失败返回,执行中的任务被取消
func (q *JobQueue) Shutdown(ctx context.Context) error {
	q.Close()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	rest := q.waiting
	q.waiting = nil
	q.mu.Unlock()
	for _, e := range rest {
		e.result <- models.Failed(e.job.ID, models.KindQueueClosed, "队列关闭,任务未执行")
	}
	q.cancel()
	<-q.done
	return ctx.Err()
}

func (q *JobQueue) worker() {
	defer close(q.done)
	defer close(q.idle)
	defer q.cancel()

	for {
		q.mu.Lock()
		if len(q.waiting) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.notify
			continue
		}
		e := q.waiting[0]
		q.waiting[0] = nil
		q.waiting = q.waiting[1:]
		q.pending = 1
		q.mu.Unlock()

		r := q.execute(e.job)

		q.mu.Lock()
		q.pending = 0
		q.mu.Unlock()
		e.result <- r
	}
}

func (q *JobQueue) execute(job *models.Job) models.JobResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.JobTimeout)
	defer cancel()

	done := make(chan models.JobResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("job_id", job.ID).Msgf("任务执行panic: %v", r)
				done <- models.Failed(job.ID, models.KindInternal, fmt.Sprintf("任务执行异常: %v", r))
			}
		}()
		done <- q.exec.Run(ctx, job)
	}()

	var (
		r        models.JobResult
		timedOut bool
	)
	select {
	case r = <-done:
		// 执行器可能先于这里观察到超时并返回失败
		timedOut = !r.OK() && ctx.Err() != nil
	case <-ctx.Done():
		timedOut = true
	}
	if timedOut {
		log.Warn().Str("job_id", job.ID).Str("url", job.URL).Dur("timeout", q.cfg.JobTimeout).Msg("任务超时,放弃执行")
		q.exec.Abandon(job)
		r = models.Failed(job.ID, models.KindJobTimeout, fmt.Sprintf("任务超时(%s)", q.cfg.JobTimeout))
	}
	r.JobID = job.ID
	r.Duration = time.Since(start)
	return r
}
