package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/browser"
	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"
)

func TestClassifyLogin(t *testing.T) {
	tests := []struct {
		name       string
		succeeded  int
		total      int
		urlChanged bool
		success    bool
		confidence float64
	}{
		{"80%成功且URL未变", 4, 5, false, true, 0.8},
		{"75%恰好达到阈值", 3, 4, false, true, 0.75},
		{"50%成功且URL未变", 1, 2, false, false, 0.5},
		{"全部失败但URL变化", 0, 3, true, true, 1},
		{"没有步骤", 0, 0, false, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, confidence := classifyLogin(tt.succeeded, tt.total, tt.urlChanged, 0.75)
			assert.Equal(t, tt.success, ok)
			assert.InDelta(t, tt.confidence, confidence, 1e-9)
		})
	}
}

func TestMatchSite(t *testing.T) {
	sites := []models.LoginSite{
		{Name: "google", LoginURL: "https://accounts.google.com/signin"},
		{Name: "local", LoginURL: "http://localhost:8080/login"},
		{Name: "corp", LoginURL: "https://sso.corp.example.co.uk/auth"},
	}
	tests := []struct {
		target string
		site   string
		ok     bool
	}{
		{"https://mail.google.com/inbox", "google", true},
		{"https://google.com", "google", true},
		{"http://localhost:3000/app", "local", true},
		{"https://wiki.example.co.uk/page", "corp", true},
		{"https://example.org", "", false},
		{"https://example.com", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			site, ok := matchSite(tt.target, sites)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.site, site.Name)
		})
	}
}

const (
	loginURL  = "https://auth.example.com/login"
	targetURL = "https://app.example.com/reports"
)

func loginJob(steps ...models.LoginStep) *models.Job {
	job := models.NewJob(targetURL)
	job.LoginSites = []models.LoginSite{{Name: "example", LoginURL: loginURL, Steps: steps}}
	job.Credentials = map[string]models.Credentials{
		"example": {"username": "alice", "password": "s3cret"},
	}
	return job
}

// failingClicks 对指定选择器的点击返回错误
func failingClicks(selectors ...string) func(context.Context, string) error {
	return func(_ context.Context, selector string) error {
		for _, s := range selectors {
			if s == selector {
				return errors.New("element not found")
			}
		}
		return nil
	}
}

func TestLoginEightyPercentIsSuccess(t *testing.T) {
	lease := newLease()
	lease.session.ClickFunc = failingClicks("#remember")

	job := loginJob(
		models.InputStep("#user", "username"),
		models.InputStep("#pass", "password"),
		models.ClickStep("#remember"),
		models.ClickStep("#submit"),
		models.WaitStep(time.Millisecond),
	)
	r := New(testConfig()).Execute(context.Background(), lease, job)

	require.True(t, r.OK(), "failure: %+v", r.Failure)
	require.NotNil(t, r.Login)
	assert.Equal(t, 4, r.Login.Succeeded)
	assert.Equal(t, 5, r.Login.Total)
	assert.False(t, r.Login.URLChanged)
	assert.True(t, r.Login.Success)
	assert.InDelta(t, 0.8, r.Login.Confidence, 1e-9)
	assert.Equal(t, targetURL, r.FinalURL)
}

func TestLoginFiftyPercentStillNavigates(t *testing.T) {
	lease := newLease()
	lease.session.ClickFunc = failingClicks("#remember", "#submit")

	job := loginJob(
		models.InputStep("#user", "username"),
		models.InputStep("#pass", "password"),
		models.ClickStep("#remember"),
		models.ClickStep("#submit"),
	)
	r := New(testConfig()).Execute(context.Background(), lease, job)

	require.NotNil(t, r.Login)
	assert.False(t, r.Login.Success, "50%且URL未变判定为登录失败")
	assert.InDelta(t, 0.5, r.Login.Confidence, 1e-9)

	// 登录失败不影响截图
	require.True(t, r.OK(), "failure: %+v", r.Failure)
	assert.Equal(t, targetURL, r.FinalURL)
	calls := lease.session.Calls()
	assert.Contains(t, calls, "screenshot")
	assert.Equal(t, 2, lease.session.CountCalls("navigate"), "登录页与目标页各一次")
}

func TestLoginURLChangeIsSuccess(t *testing.T) {
	lease := newLease()
	s := lease.session
	s.ClickFunc = func(_ context.Context, selector string) error {
		if selector == "#submit" {
			s.SetURL("https://auth.example.com/welcome")
			return nil
		}
		return errors.New("element not found")
	}

	job := loginJob(
		models.ClickStep("#missing-1"),
		models.ClickStep("#missing-2"),
		models.ClickStep("#submit"),
	)
	r := New(testConfig()).Execute(context.Background(), lease, job)

	require.NotNil(t, r.Login)
	assert.True(t, r.Login.URLChanged)
	assert.True(t, r.Login.Success)
	assert.Equal(t, 1.0, r.Login.Confidence)
}

// redirectLogin 打开登录页时重定向到landed
func redirectLogin(lease *testLease, landed string, passwordField bool) {
	s := lease.session
	s.NavigateFunc = func(_ context.Context, url string, _ browser.WaitCondition) error {
		if url == loginURL {
			s.SetURL(landed)
		}
		return nil
	}
	s.EvaluateFunc = func(_ context.Context, js string, _ ...interface{}) (gson.JSON, error) {
		if js == passwordFieldJS {
			return gson.New(passwordField), nil
		}
		return gson.New(true), nil
	}
}

func TestLoginImplicitRedirect(t *testing.T) {
	lease := newLease()
	s := lease.session
	redirectLogin(lease, "https://auth.example.com/dashboard", false)

	job := loginJob(models.InputStep("#user", "username"))
	r := New(testConfig()).Execute(context.Background(), lease, job)

	require.NotNil(t, r.Login)
	assert.True(t, r.Login.Implicit)
	assert.True(t, r.Login.Success)
	assert.Equal(t, 0, s.CountCalls("input"), "已登录时不执行步骤")
	assert.True(t, r.OK())
}

func TestLoginRedirectToSignInFormIsNotImplicit(t *testing.T) {
	tests := []struct {
		name          string
		landed        string
		passwordField bool
	}{
		{"重定向到登录表单路径", "https://auth.example.com/account/signin?next=%2F", false},
		{"不在已登录地址列表中", "https://auth.example.com/account", false},
		{"已登录地址但页面上有密码框", "https://auth.example.com/dashboard", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lease := newLease()
			redirectLogin(lease, tt.landed, tt.passwordField)

			job := loginJob(
				models.InputStep("#user", "username"),
				models.InputStep("#pass", "password"),
			)
			r := New(testConfig()).Execute(context.Background(), lease, job)

			require.NotNil(t, r.Login)
			assert.False(t, r.Login.Implicit)
			assert.Equal(t, 2, lease.session.CountCalls("input"), "应执行登录步骤")
			assert.Equal(t, 2, r.Login.Succeeded)
			assert.True(t, r.OK(), "failure: %+v", r.Failure)
		})
	}
}

func TestLooksLikeLoginPath(t *testing.T) {
	assert.True(t, looksLikeLoginPath("https://example.com/account/signin?next=/"))
	assert.True(t, looksLikeLoginPath("https://example.com/users/Login"))
	assert.True(t, looksLikeLoginPath("https://example.com/oauth/authorize"))
	assert.False(t, looksLikeLoginPath("https://login.example.com/dashboard"))
	assert.False(t, looksLikeLoginPath("https://example.com/home"))
}

func TestLoginClickTextAndMissingCredential(t *testing.T) {
	lease := newLease()
	var clicked []interface{}
	lease.session.EvaluateFunc = func(_ context.Context, js string, args ...interface{}) (gson.JSON, error) {
		if js == clickTextJS {
			clicked = append(clicked, args...)
			return gson.New(true), nil
		}
		return gson.New(true), nil
	}

	job := loginJob(
		models.InputStep("#otp", "otp"),
		models.ClickTextStep("Sign in"),
	)
	r := New(testConfig()).Execute(context.Background(), lease, job)

	require.NotNil(t, r.Login)
	assert.Equal(t, 1, r.Login.Succeeded, "缺少凭据的步骤失败")
	assert.Equal(t, 0, lease.session.CountCalls("input"))
	require.NotEmpty(t, clicked)
	assert.Equal(t, []string{"Sign in"}, clicked[0])
}

func TestLoginSkipped(t *testing.T) {
	tests := []struct {
		name string
		job  func() *models.Job
	}{
		{"没有凭据", func() *models.Job {
			job := loginJob(models.ClickStep("#submit"))
			job.Credentials = nil
			return job
		}},
		{"域名不匹配", func() *models.Job {
			job := loginJob(models.ClickStep("#submit"))
			job.URL = "https://other.test/page"
			return job
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lease := newLease()
			r := New(testConfig()).Execute(context.Background(), lease, tt.job())

			assert.Nil(t, r.Login)
			assert.True(t, r.OK())
			assert.Equal(t, 1, lease.session.CountCalls("navigate"))
			assert.Equal(t, 0, lease.session.CountCalls("click"))
		})
	}
}
