package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/browser"
	"github.com/RecoveryAshes/RenderGuard/internal/browser/browsertest"
	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"
)

type testLease struct {
	session *browsertest.Session
	touched int
}

func (l *testLease) Session() browser.Session { return l.session }
func (l *testLease) Usable() bool { return !l.session.Closed() }
func (l *testLease) Touch() { l.touched++ }

func newLease() *testLease {
	return &testLease{session: browsertest.NewSession("session-1")}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Ladder = []Strategy{
		{Wait: browser.WaitLoad, Timeout: 40 * time.Millisecond},
		{Wait: browser.WaitDOMContentLoaded, Timeout: 40 * time.Millisecond},
	}
	cfg.RecoveryTimeout = 50 * time.Millisecond
	cfg.LoginStepTimeout = 50 * time.Millisecond
	cfg.LoginNavigateTimeout = 50 * time.Millisecond
	cfg.PostLoginWait = 0
	cfg.ScrollMinDelay = 0
	cfg.ScrollMaxDelay = 0
	cfg.CaptureTimeout = 30 * time.Millisecond
	return cfg
}

func hangUntilDone(ctx context.Context, _ string, _ browser.WaitCondition) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestExecuteWithoutLogin(t *testing.T) {
	lease := newLease()
	p := New(testConfig())

	r := p.Execute(context.Background(), lease, models.NewJob("https://example.com"))

	require.True(t, r.OK(), "failure: %+v", r.Failure)
	assert.Nil(t, r.Failure)
	assert.NotEmpty(t, r.Artifact.Bytes)
	assert.Equal(t, "image/jpeg", r.Artifact.MimeType)
	assert.False(t, r.Artifact.Fallback)
	assert.Equal(t, "https://example.com", r.FinalURL)
	assert.Nil(t, r.Login, "没有登录数据时跳过登录")
	assert.NotEmpty(t, r.JobID)

	s := lease.session
	assert.Equal(t, 1, s.CountCalls("navigate"))
	assert.Equal(t, 0, s.CountCalls("input"))
	assert.Equal(t, 1, s.CountCalls("screenshot"))
	assert.Positive(t, lease.touched)
}

func TestExecuteInvalidURL(t *testing.T) {
	inputs := []string{"ftp://example.com/file", "javascript:alert(1)", "not a url", "file:///etc/passwd", ""}
	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			lease := newLease()
			r := New(testConfig()).Execute(context.Background(), lease, models.NewJob(input))

			require.NotNil(t, r.Failure)
			assert.Nil(t, r.Artifact)
			assert.Equal(t, models.KindInvalidInput, r.Kind())
			assert.Equal(t, "invalid URL: "+strings.TrimSpace(input), r.Failure.Message)
			assert.Empty(t, lease.session.Calls(), "不得触碰会话资源")
		})
	}
}

func TestConfigureInstallsPolicy(t *testing.T) {
	lease := newLease()
	cfg := testConfig()
	cfg.ExtraHeaders = map[string]string{"X-Trace": "1"}
	cfg.UserAgent = "RenderGuard-Test"

	r := New(cfg).Execute(context.Background(), lease, models.NewJob("https://example.com"))
	require.True(t, r.OK())

	s := lease.session
	assert.Equal(t, "RenderGuard-Test", s.UserAgent())
	assert.Equal(t, map[string]string{"X-Trace": "1"}, s.Headers())
	for _, rt := range []browser.ResourceType{browser.ResourceDocument, browser.ResourceScript, browser.ResourceXHR, browser.ResourceFetch, browser.ResourceStylesheet} {
		assert.True(t, s.Allows(rt), "应放行%s", rt)
	}
	for _, rt := range []browser.ResourceType{browser.ResourceImage, browser.ResourceFont, browser.ResourceMedia} {
		assert.False(t, s.Allows(rt), "应拦截%s", rt)
	}
}

func TestConfigureRetriesThenContinues(t *testing.T) {
	lease := newLease()
	lease.session.ConfigureFunc = func(op string) error {
		if op == "set_viewport" {
			return errors.New("emulation failed")
		}
		return nil
	}

	r := New(testConfig()).Execute(context.Background(), lease, models.NewJob("https://example.com"))
	assert.True(t, r.OK(), "配置失败不影响截图")
	assert.Equal(t, 3, lease.session.CountCalls("set_viewport"))
}

// commitThenHang 文档已经切换到目标但加载一直没有完成
func commitThenHang(s *browsertest.Session) func(context.Context, string, browser.WaitCondition) error {
	return func(ctx context.Context, url string, _ browser.WaitCondition) error {
		s.SetURL(url)
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestNavigationTimeoutRecovery(t *testing.T) {
	lease := newLease()
	lease.session.NavigateFunc = commitThenHang(lease.session)
	lease.session.EvaluateFunc = func(ctx context.Context, js string, args ...interface{}) (gson.JSON, error) {
		return gson.New(js == contentCheckJS), nil
	}

	r := New(testConfig()).Execute(context.Background(), lease, models.NewJob("https://slow.example.com"))

	require.True(t, r.OK(), "failure: %+v", r.Failure)
	assert.Equal(t, 1, lease.session.CountCalls("navigate"), "已有内容时不再尝试后续策略")
	assert.Equal(t, 1, lease.session.CountCalls("stop_loading"))
	assert.Equal(t, 1, lease.session.CountCalls("dismiss_dialog"))
}

func TestNavigationLadderExhausted(t *testing.T) {
	lease := newLease()
	lease.session.NavigateFunc = hangUntilDone
	lease.session.EvaluateFunc = func(context.Context, string, ...interface{}) (gson.JSON, error) {
		return gson.New(false), nil
	}

	cfg := testConfig()
	r := New(cfg).Execute(context.Background(), lease, models.NewJob("https://blank.example.com"))

	require.NotNil(t, r.Failure)
	assert.Equal(t, models.KindNavigationFailure, r.Kind())
	assert.Equal(t, len(cfg.Ladder), lease.session.CountCalls("navigate"))
	assert.Equal(t, 0, lease.session.CountCalls("screenshot"))
}

func TestNavigationAcceptsPartialPage(t *testing.T) {
	lease := newLease()
	s := lease.session
	s.NavigateFunc = func(ctx context.Context, url string, _ browser.WaitCondition) error {
		s.SetURL(url + "/partial")
		return errors.New("net::ERR_ABORTED")
	}

	r := New(testConfig()).Execute(context.Background(), lease, models.NewJob("https://example.com"))

	require.True(t, r.OK(), "failure: %+v", r.Failure)
	assert.Equal(t, "https://example.com/partial", r.FinalURL)
	assert.Equal(t, 2, s.CountCalls("navigate"))
}

func TestNavigationRejectsPreviousJobDocument(t *testing.T) {
	tests := []struct {
		name    string
		content bool
	}{
		{"超时恢复检查到旧页面内容", true},
		{"部分加载检查", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lease := newLease()
			s := lease.session
			s.SetURL("https://previous-caller.example/private")
			s.NavigateFunc = hangUntilDone
			s.EvaluateFunc = func(_ context.Context, js string, _ ...interface{}) (gson.JSON, error) {
				return gson.New(tt.content && js == contentCheckJS), nil
			}

			r := New(testConfig()).Execute(context.Background(), lease, models.NewJob("https://hanging.example.com"))

			require.NotNil(t, r.Failure, "不应返回上一个任务的页面")
			assert.Equal(t, models.KindNavigationFailure, r.Kind())
			assert.Empty(t, r.FinalURL)
			assert.Equal(t, 0, s.CountCalls("screenshot"))
		})
	}
}

func TestNavigationRejectsUnchangedDocumentOnSameHost(t *testing.T) {
	lease := newLease()
	s := lease.session
	s.SetURL("https://example.com/other-caller")
	s.NavigateFunc = hangUntilDone

	r := New(testConfig()).Execute(context.Background(), lease, models.NewJob("https://example.com/report"))

	require.NotNil(t, r.Failure)
	assert.Equal(t, models.KindNavigationFailure, r.Kind())
}

func TestOwnsDocument(t *testing.T) {
	r := &run{job: models.NewJob("https://www.example.com/report")}
	tests := []struct {
		cur, before string
		want        bool
	}{
		{"https://www.example.com/report", "about:blank", true},
		{"https://example.com/report?x=1", "about:blank", true},
		{"https://example.com/report", "https://example.com/report", false},
		{"https://cdn.example.com/report", "about:blank", false},
		{"https://previous-caller.example/private", "about:blank", false},
		{"about:blank", "https://old.example.org", false},
		{"chrome-error://chromewebdata/", "about:blank", false},
	}
	for _, tt := range tests {
		t.Run(tt.cur, func(t *testing.T) {
			assert.Equal(t, tt.want, r.ownsDocument(tt.cur, tt.before))
		})
	}
}

func TestNavigationRejectsErrorPage(t *testing.T) {
	lease := newLease()
	s := lease.session
	s.NavigateFunc = func(ctx context.Context, url string, _ browser.WaitCondition) error {
		s.SetURL("chrome-error://chromewebdata/")
		return errors.New("net::ERR_NAME_NOT_RESOLVED")
	}

	r := New(testConfig()).Execute(context.Background(), lease, models.NewJob("https://nx.example.com"))
	assert.Equal(t, models.KindNavigationFailure, r.Kind())
}

func TestCaptureFallsBackAfterTimeouts(t *testing.T) {
	lease := newLease()
	lease.session.ScreenshotFunc = func(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error) {
		if opts.Clip.Scale == 1 {
			return browsertest.BlockUntilDone(ctx, opts)
		}
		return append([]byte(nil), browsertest.JPEGStub...), nil
	}

	r := New(testConfig()).Execute(context.Background(), lease, models.NewJob("https://example.com"))

	require.True(t, r.OK(), "failure: %+v", r.Failure)
	assert.True(t, r.Artifact.Fallback)
	assert.Equal(t, 50, r.Artifact.Quality)
	assert.Equal(t, 960, r.Artifact.Width)
	assert.Equal(t, models.MimeTypeJPEG, r.Artifact.MimeType)
	assert.Equal(t, 4, lease.session.CountCalls("screenshot"), "3次重试加1次降级")
}

func TestCaptureFailure(t *testing.T) {
	lease := newLease()
	lease.session.ScreenshotFunc = func(context.Context, browser.ScreenshotOptions) ([]byte, error) {
		return nil, errors.New("compositor failed")
	}

	r := New(testConfig()).Execute(context.Background(), lease, models.NewJob("https://example.com"))

	require.NotNil(t, r.Failure)
	assert.Nil(t, r.Artifact)
	assert.Equal(t, models.KindCaptureFailure, r.Kind())
	assert.Equal(t, "capture failed", r.Failure.Message)
}

func TestResourceDiesMidPipeline(t *testing.T) {
	lease := newLease()
	s := lease.session
	s.NavigateFunc = func(context.Context, string, browser.WaitCondition) error {
		s.Kill()
		return browser.ErrSessionClosed
	}

	r := New(testConfig()).Execute(context.Background(), lease, models.NewJob("https://example.com"))

	assert.Equal(t, models.KindResourceDisconnected, r.Kind())
	assert.Equal(t, 1, s.CountCalls("navigate"))
	assert.Equal(t, 0, s.CountCalls("screenshot"), "资源失效后不再继续")
}

func TestDeadResourceBeforeStart(t *testing.T) {
	lease := newLease()
	lease.session.Kill()

	r := New(testConfig()).Execute(context.Background(), lease, models.NewJob("https://example.com"))
	assert.Equal(t, models.KindResourceDisconnected, r.Kind())
	assert.Empty(t, lease.session.Calls())

	r = New(testConfig()).Execute(context.Background(), nil, models.NewJob("https://example.com"))
	assert.Equal(t, models.KindResourceDisconnected, r.Kind())
}

func TestPanicBecomesFailure(t *testing.T) {
	lease := newLease()
	lease.session.NavigateFunc = func(context.Context, string, browser.WaitCondition) error {
		panic("unexpected nil")
	}

	r := New(testConfig()).Execute(context.Background(), lease, models.NewJob("https://example.com"))
	require.NotNil(t, r.Failure)
	assert.Equal(t, models.KindInternal, r.Kind())
	assert.NotEmpty(t, r.JobID)
}

func TestSettleDismissesCookieBanner(t *testing.T) {
	tests := []struct {
		name       string
		selectorOK bool
		textCalls  int
	}{
		{name: "选择器命中", selectorOK: true, textCalls: 0},
		{name: "选择器未命中时按文本查找", selectorOK: false, textCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lease := newLease()
			textCalls := 0
			scrolls := 0
			lease.session.EvaluateFunc = func(ctx context.Context, js string, args ...interface{}) (gson.JSON, error) {
				switch js {
				case scrollByJS:
					scrolls++
					return gson.New(false), nil
				case clickSelectorJS:
					return gson.New(tt.selectorOK), nil
				case clickTextJS:
					textCalls++
					return gson.New(true), nil
				}
				return gson.New(true), nil
			}

			cfg := testConfig()
			r := New(cfg).Execute(context.Background(), lease, models.NewJob("https://example.com"))
			require.True(t, r.OK())
			assert.Equal(t, cfg.ScrollSteps, scrolls)
			assert.Equal(t, tt.textCalls, textCalls)
		})
	}
}
