package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/browser"
	"github.com/RecoveryAshes/RenderGuard/internal/browser/browsertest"
	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/RecoveryAshes/RenderGuard/internal/watchdog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testServiceConfig() *Config {
	cfg := DefaultConfig()
	cfg.Pool.AcquireTimeout = time.Second
	cfg.Queue.JobTimeout = 2 * time.Second
	cfg.Supervisor.Cooldown = time.Millisecond
	cfg.Supervisor.HeartbeatInterval = 0
	cfg.Supervisor.MaxAttempts = 2
	cfg.Watchdog.Enabled = false
	cfg.Pipeline.Ladder = []StrategyConfig{
		{Wait: "load", Timeout: time.Second},
		{Wait: "domcontentloaded", Timeout: time.Second},
	}
	cfg.Pipeline.ScrollSteps = 0
	cfg.Pipeline.PostLoginWait = 0
	cfg.Pipeline.CaptureTimeout = 50 * time.Millisecond
	return cfg
}

type recorder struct {
	mu      sync.Mutex
	jobs    []models.JobResult
	states  []models.SupervisorState
	samples []models.MemoryPressure
}

func (r *recorder) JobCompleted(_ *models.Job, result models.JobResult) {
	r.mu.Lock()
	r.jobs = append(r.jobs, result)
	r.mu.Unlock()
}

func (r *recorder) StateChanged(_, to models.SupervisorState) {
	r.mu.Lock()
	r.states = append(r.states, to)
	r.mu.Unlock()
}

func (r *recorder) MemorySampled(_ models.MemorySample, p models.MemoryPressure) {
	r.mu.Lock()
	r.samples = append(r.samples, p)
	r.mu.Unlock()
}

func (r *recorder) Jobs() []models.JobResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.JobResult(nil), r.jobs...)
}

func (r *recorder) States() []models.SupervisorState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SupervisorState(nil), r.states...)
}

func newTestService(t *testing.T, cfg *Config, opts Options) (*Service, *browsertest.Engine, *recorder) {
	t.Helper()
	engine, ok := opts.Engine.(*browsertest.Engine)
	if !ok {
		engine = browsertest.NewEngine()
		opts.Engine = engine
	}
	svc, err := NewService(cfg, opts)
	require.NoError(t, err)
	rec := &recorder{}
	svc.AddObserver(rec)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, engine, rec
}

func TestServiceSubmitCapturesAndReusesSession(t *testing.T) {
	svc, engine, rec := newTestService(t, testServiceConfig(), Options{})

	for i := 0; i < 2; i++ {
		r := svc.Do(context.Background(), models.NewJob("https://example.com"))
		require.True(t, r.OK(), "第%d个任务失败: %+v", i+1, r.Failure)
		assert.Equal(t, browsertest.JPEGStub, r.Artifact.Bytes)
		assert.Equal(t, models.MimeTypeJPEG, r.Artifact.MimeType)
	}

	st := svc.Status()
	assert.EqualValues(t, 1, st.Pool.Created, "第二个任务应复用同一个会话")
	assert.Equal(t, models.StateHealthy, st.Supervisor)
	assert.Equal(t, 0, st.QueueSize)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 1, engine.Launches())

	session := engine.Last().Sessions()[0]
	assert.Equal(t, 2, session.CountCalls("screenshot"))
	assert.Equal(t, DefaultUserAgent, session.UserAgent())

	require.Eventually(t, func() bool { return len(rec.Jobs()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []models.SupervisorState{models.StateHealthy}, rec.States())
}

func TestServiceRejectsInvalidURLBeforeAcquire(t *testing.T) {
	svc, engine, rec := newTestService(t, testServiceConfig(), Options{})

	tests := []string{"", "not a url", "ftp://example.com/file", "javascript:alert(1)"}
	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			r := svc.Do(context.Background(), models.NewJob(input))
			require.NotNil(t, r.Failure)
			assert.Equal(t, models.KindInvalidInput, r.Kind())
			assert.Equal(t, "invalid URL: "+input, r.Failure.Message)
			assert.NotEmpty(t, r.JobID)
		})
	}

	assert.EqualValues(t, 0, svc.Status().Pool.Created)
	assert.EqualValues(t, 0, engine.Last().Created())
	assert.Len(t, rec.Jobs(), len(tests))
}

func TestServiceJobTimeoutForceReleasesSession(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Queue.JobTimeout = 100 * time.Millisecond

	engine := browsertest.NewEngine()
	engine.OnBrowser = func(b *browsertest.Browser) {
		b.OnSession = func(s *browsertest.Session) {
			if s.ID() == "session-1" {
				s.NavigateFunc = func(ctx context.Context, _ string, _ browser.WaitCondition) error {
					<-ctx.Done()
					return ctx.Err()
				}
			}
		}
	}
	svc, _, _ := newTestService(t, cfg, Options{Engine: engine})

	r := svc.Do(context.Background(), models.NewJob("https://slow.example.com"))
	require.NotNil(t, r.Failure)
	assert.Equal(t, models.KindJobTimeout, r.Kind())

	// 超时任务的会话被销毁,下一个任务使用新会话
	r = svc.Do(context.Background(), models.NewJob("https://example.com"))
	require.True(t, r.OK(), "超时后的任务应成功: %+v", r.Failure)

	first := engine.Last().Sessions()[0]
	assert.True(t, first.Closed())
	assert.EqualValues(t, 2, svc.Status().Pool.Created)
	assert.Equal(t, models.StateHealthy, svc.Status().Supervisor)
}

func TestServiceResourceDisconnectRequestsRestart(t *testing.T) {
	engine := browsertest.NewEngine()
	engine.OnBrowser = func(b *browsertest.Browser) {
		if len(engine.Browsers()) > 1 {
			return
		}
		b.OnSession = func(s *browsertest.Session) {
			s.NavigateFunc = func(context.Context, string, browser.WaitCondition) error {
				s.Kill()
				return browser.ErrSessionClosed
			}
		}
	}
	svc, _, rec := newTestService(t, testServiceConfig(), Options{Engine: engine})

	r := svc.Do(context.Background(), models.NewJob("https://example.com"))
	require.NotNil(t, r.Failure)
	assert.Equal(t, models.KindResourceDisconnected, r.Kind())

	require.Eventually(t, func() bool {
		rs := svc.Status().Restart
		return rs.Restarts == 1 && !rs.Restarting
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.ReasonResourceClosed, svc.Status().Restart.LastReason)
	assert.Equal(t, 2, engine.Launches())
	assert.Contains(t, rec.States(), models.StateRestarting)

	r = svc.Do(context.Background(), models.NewJob("https://example.com"))
	assert.True(t, r.OK(), "重启后的任务应成功: %+v", r.Failure)
}

func TestServiceTimeoutInLateStageDoesNotRestartBrowser(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Queue.JobTimeout = 100 * time.Millisecond

	engine := browsertest.NewEngine()
	engine.OnBrowser = func(b *browsertest.Browser) {
		b.OnSession = func(s *browsertest.Session) {
			if s.ID() != "session-1" {
				return
			}
			// 页面脚本卡住且不响应ctx,任务在settle阶段超时
			var once sync.Once
			s.EvaluateFunc = func(context.Context, string, ...interface{}) (gson.JSON, error) {
				once.Do(func() { time.Sleep(200 * time.Millisecond) })
				return gson.New(false), nil
			}
		}
	}
	svc, _, _ := newTestService(t, cfg, Options{Engine: engine})

	r := svc.Do(context.Background(), models.NewJob("https://example.com"))
	require.NotNil(t, r.Failure)
	assert.Equal(t, models.KindJobTimeout, r.Kind())

	// 被放弃的goroutine随后在capture阶段发现资源已关闭
	require.Never(t, func() bool {
		return svc.Status().Restart.Restarts > 0 || svc.Status().Restart.Restarting
	}, 400*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 1, engine.Launches())
	assert.Equal(t, models.StateHealthy, svc.Status().Supervisor)

	r = svc.Do(context.Background(), models.NewJob("https://example.com"))
	assert.True(t, r.OK(), "超时后的任务应成功: %+v", r.Failure)
}

func TestServiceCreateFailureRequestsRestart(t *testing.T) {
	engine := browsertest.NewEngine()
	engine.OnBrowser = func(b *browsertest.Browser) {
		if len(engine.Browsers()) == 1 {
			b.SetCreateError(errors.New("target crashed"))
		}
	}
	svc, _, _ := newTestService(t, testServiceConfig(), Options{Engine: engine})

	r := svc.Do(context.Background(), models.NewJob("https://example.com"))
	require.NotNil(t, r.Failure)
	assert.Equal(t, models.KindResourceCreateFailed, r.Kind())

	require.Eventually(t, func() bool {
		rs := svc.Status().Restart
		return rs.Restarts == 1 && !rs.Restarting
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.ReasonDisconnected, svc.Status().Restart.LastReason)
	assert.Equal(t, 2, engine.Launches())

	r = svc.Do(context.Background(), models.NewJob("https://example.com"))
	assert.True(t, r.OK(), "重启后的任务应成功: %+v", r.Failure)
}

func TestServiceFatalClosesQueue(t *testing.T) {
	svc, engine, _ := newTestService(t, testServiceConfig(), Options{})

	fatal := make(chan error, 1)
	svc.OnFatal(func(err error) { fatal <- err })

	engine.FailNext(10, nil)
	require.True(t, svc.RequestRestart())

	select {
	case err := <-fatal:
		assert.True(t, models.IsKind(err, models.KindRestartBoundExceeded))
	case <-time.After(3 * time.Second):
		t.Fatal("监督器未进入Fatal状态")
	}
	assert.Equal(t, models.StateFatal, svc.Status().Supervisor)

	r := svc.Do(context.Background(), models.NewJob("https://example.com"))
	require.NotNil(t, r.Failure)
	assert.Equal(t, models.KindQueueClosed, r.Kind())
}

func TestServiceShutdownRejectsNewJobs(t *testing.T) {
	svc, _, _ := newTestService(t, testServiceConfig(), Options{})

	require.NoError(t, svc.Shutdown(context.Background()))

	r := svc.Do(context.Background(), models.NewJob("https://example.com"))
	require.NotNil(t, r.Failure)
	assert.Equal(t, models.KindQueueClosed, r.Kind())
	assert.Equal(t, models.StateStopped, svc.Status().Supervisor)
}

func TestServiceMemoryPressureRestartsWhenIdle(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Watchdog.Enabled = true
	cfg.Watchdog.WarningMB = 100
	cfg.Watchdog.CriticalMB = 200
	cfg.Watchdog.EmergencyMB = 300
	cfg.Watchdog.SustainedSamples = 2

	sampler := watchdog.SamplerFunc(func(context.Context) (models.MemorySample, error) {
		return models.MemorySample{RSS: 150 << 20, External: 100 << 20, TakenAt: time.Now()}, nil
	})
	svc, engine, rec := newTestService(t, cfg, Options{Sampler: sampler})

	for i := 0; i < 2; i++ {
		_, err := svc.monitor.Sample(context.Background())
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return svc.Status().Restart.Restarts == 1
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.ReasonMemoryPressure, svc.Status().Restart.LastReason)
	assert.Equal(t, 2, engine.Launches())

	st := svc.Status()
	require.NotNil(t, st.Memory)
	assert.Equal(t, models.PressureCritical, st.Pressure)
	rec.mu.Lock()
	assert.Len(t, rec.samples, 2)
	rec.mu.Unlock()
}

func TestServiceRunStopsWithContext(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Watchdog.Enabled = true
	cfg.Watchdog.Interval = 10 * time.Millisecond
	cfg.Watchdog.WarningMB = 1 << 20
	cfg.Pool.EvictInterval = 10 * time.Millisecond

	sampled := make(chan struct{}, 1)
	sampler := watchdog.SamplerFunc(func(context.Context) (models.MemorySample, error) {
		select {
		case sampled <- struct{}{}:
		default:
		}
		return models.MemorySample{RSS: 1 << 20}, nil
	})
	svc, _, _ := newTestService(t, cfg, Options{Sampler: sampler})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	select {
	case <-sampled:
	case <-time.After(time.Second):
		t.Fatal("看门狗未采样")
	}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run未随ctx退出")
	}
}

func TestServicePublicURLInStatus(t *testing.T) {
	svc, _, _ := newTestService(t, testServiceConfig(), Options{})

	svc.SetPublicURL("https://abc.trycloudflare.com")
	assert.Equal(t, "https://abc.trycloudflare.com", svc.Status().PublicURL)
}

func TestNewServiceHeaderErrors(t *testing.T) {
	hm, err := NewHeaderManager("", []string{"Host: example.com"})
	require.NoError(t, err)

	_, err = NewService(testServiceConfig(), Options{Engine: browsertest.NewEngine(), Headers: hm})
	assert.Error(t, err, "禁止的请求头应导致创建失败")

	cfg := testServiceConfig()
	cfg.Pipeline.Ladder = nil
	_, err = NewService(cfg, Options{Engine: browsertest.NewEngine()})
	assert.Error(t, err)
}

func TestServiceUserAgentPrecedence(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Pipeline.UserAgent = "ConfigBot/1.0"

	svc, engine, _ := newTestService(t, cfg, Options{})
	require.True(t, svc.Do(context.Background(), models.NewJob("https://example.com")).OK())
	assert.Equal(t, "ConfigBot/1.0", engine.Last().Sessions()[0].UserAgent())

	hm, err := NewHeaderManager("", []string{"User-Agent: CliBot/2.0", "X-Trace: 1"})
	require.NoError(t, err)
	svc, engine, _ = newTestService(t, cfg, Options{Headers: hm})
	require.True(t, svc.Do(context.Background(), models.NewJob("https://example.com")).OK())

	session := engine.Last().Sessions()[0]
	assert.Equal(t, "CliBot/2.0", session.UserAgent())
	assert.Equal(t, "1", session.Headers()["X-Trace"])
	assert.NotContains(t, session.Headers(), "User-Agent")
}
