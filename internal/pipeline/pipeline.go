// Package pipeline 驱动一个会话完成单个截图任务:
// 前置检查、会话配置、登录自动化、导航策略阶梯、页面稳定、截图重试与降级。
//
// 每个阶段的失败都被折叠成结构化的JobResult,不会有panic越过Execute。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/browser"
	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"
)

// Lease 流水线借用的会话资源
type Lease interface {
	Session() browser.Session
	// Usable 资源未关闭且未失效
	Usable() bool
	Touch()
}

// Strategy 导航策略: 等待条件与超时
type Strategy struct {
	Wait    browser.WaitCondition `mapstructure:"wait" yaml:"wait"`
	Timeout time.Duration         `mapstructure:"timeout" yaml:"timeout"`
}

// DefaultLadder 默认导航策略阶梯,逐级放宽等待条件并延长超时
func DefaultLadder() []Strategy {
	return []Strategy{
		{Wait: browser.WaitNetworkAlmostIdle, Timeout: 20 * time.Second},
		{Wait: browser.WaitLoad, Timeout: 25 * time.Second},
		{Wait: browser.WaitDOMContentLoaded, Timeout: 30 * time.Second},
	}
}

// Config 流水线配置
type Config struct {
	AllowedSchemes []string

	ViewportWidth    int
	ViewportHeight   int
	UserAgent        string
	ExtraHeaders     map[string]string
	AllowedResources []browser.ResourceType
	ConfigureRetries int

	Ladder          []Strategy
	RecoveryTimeout time.Duration // 导航超时后恢复检查的超时

	LoginNavigateTimeout time.Duration
	LoginStepTimeout     time.Duration
	PostLoginWait        time.Duration
	LoginSuccessRatio    float64
	ImplicitLoginURLs    []string // 登录页被重定向到包含这些片段的地址时视为已登录

	ScrollSteps     int
	ScrollMinDelay  time.Duration
	ScrollMaxDelay  time.Duration
	CookieSelectors []string
	CookieKeywords  []string

	CaptureAttempts int
	CaptureTimeout  time.Duration
	Quality         int
	FallbackScale   float64
	FallbackQuality int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		AllowedSchemes:   models.DefaultAllowedSchemes,
		ViewportWidth:    1920,
		ViewportHeight:   1080,
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		AllowedResources: DefaultAllowedResources(),
		ConfigureRetries: 3,

		Ladder:          DefaultLadder(),
		RecoveryTimeout: 5 * time.Second,

		LoginNavigateTimeout: 30 * time.Second,
		LoginStepTimeout:     10 * time.Second,
		PostLoginWait:        3 * time.Second,
		LoginSuccessRatio:    0.75,
		ImplicitLoginURLs:    []string{"/dashboard"},

		ScrollSteps:     5,
		ScrollMinDelay:  100 * time.Millisecond,
		ScrollMaxDelay:  300 * time.Millisecond,
		CookieSelectors: DefaultCookieSelectors(),
		CookieKeywords:  []string{"accept", "agree", "allow", "consent", "cookie", "同意", "接受"},

		CaptureAttempts: 3,
		CaptureTimeout:  15 * time.Second,
		Quality:         80,
		FallbackScale:   0.5,
		FallbackQuality: 50,
	}
}

// DefaultAllowedResources 默认放行的资源类型
func DefaultAllowedResources() []browser.ResourceType {
	return []browser.ResourceType{
		browser.ResourceDocument,
		browser.ResourceScript,
		browser.ResourceXHR,
		browser.ResourceFetch,
		browser.ResourceStylesheet,
	}
}

// DefaultCookieSelectors 常见cookie横幅的接受按钮
func DefaultCookieSelectors() []string {
	return []string{
		"#onetrust-accept-btn-handler",
		"#CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll",
		".cc-allow",
		".cc-accept",
		"button[id*='accept']",
		"button[class*='accept']",
		"[aria-label*='Accept']",
		"[data-testid*='accept']",
	}
}

// Pipeline 截图任务流水线,无状态,可复用
type Pipeline struct {
	cfg Config
}

// New 创建流水线,未设置的配置项使用默认值
func New(cfg Config) *Pipeline {
	def := DefaultConfig()
	if len(cfg.AllowedSchemes) == 0 {
		cfg.AllowedSchemes = def.AllowedSchemes
	}
	if cfg.ViewportWidth <= 0 || cfg.ViewportHeight <= 0 {
		cfg.ViewportWidth, cfg.ViewportHeight = def.ViewportWidth, def.ViewportHeight
	}
	if cfg.AllowedResources == nil {
		cfg.AllowedResources = def.AllowedResources
	}
	if cfg.ConfigureRetries <= 0 {
		cfg.ConfigureRetries = def.ConfigureRetries
	}
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = def.Ladder
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.LoginNavigateTimeout <= 0 {
		cfg.LoginNavigateTimeout = def.LoginNavigateTimeout
	}
	if cfg.LoginStepTimeout <= 0 {
		cfg.LoginStepTimeout = def.LoginStepTimeout
	}
	if cfg.PostLoginWait < 0 {
		cfg.PostLoginWait = 0
	}
	if cfg.LoginSuccessRatio <= 0 || cfg.LoginSuccessRatio > 1 {
		cfg.LoginSuccessRatio = def.LoginSuccessRatio
	}
	if cfg.ScrollMaxDelay < cfg.ScrollMinDelay {
		cfg.ScrollMaxDelay = cfg.ScrollMinDelay
	}
	if cfg.CaptureAttempts <= 0 {
		cfg.CaptureAttempts = def.CaptureAttempts
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = def.CaptureTimeout
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = def.Quality
	}
	if cfg.FallbackScale <= 0 || cfg.FallbackScale > 1 {
		cfg.FallbackScale = def.FallbackScale
	}
	if cfg.FallbackQuality <= 0 || cfg.FallbackQuality > 100 {
		cfg.FallbackQuality = def.FallbackQuality
	}
	return &Pipeline{cfg: cfg}
}

// Config 返回生效的配置
func (p *Pipeline) Config() Config {
	return p.cfg
}

// run 单个任务的执行上下文
type run struct {
	cfg     *Config
	lease   Lease
	session browser.Session
	job     *models.Job
	log     zerolog.Logger
}

// Execute 执行任务
// URL非法时立即失败且不触碰会话资源
func (p *Pipeline) Execute(ctx context.Context, lease Lease, job *models.Job) (result models.JobResult) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("job_id", job.ID).Str("url", job.URL).Msgf("流水线panic: %v", rec)
			result = models.Failed(job.ID, models.KindInternal, fmt.Sprintf("流水线异常: %v", rec))
		}
		result.JobID = job.ID
		result.Duration = time.Since(start)
	}()

	if err := job.Validate(p.cfg.AllowedSchemes); err != nil {
		return models.FailedFromError(job.ID, err)
	}
	if lease == nil || lease.Session() == nil {
		return models.Failed(job.ID, models.KindResourceDisconnected, "没有可用的会话资源")
	}

	r := &run{
		cfg:     &p.cfg,
		lease:   lease,
		session: lease.Session(),
		job:     job,
		log:     log.With().Str("job_id", job.ID).Str("url", job.URL).Logger(),
	}
	return r.execute(ctx)
}

func (r *run) execute(ctx context.Context) models.JobResult {
	if err := r.alive("configure"); err != nil {
		return models.FailedFromError(r.job.ID, err)
	}
	r.configure(ctx)

	if err := r.alive("login"); err != nil {
		return models.FailedFromError(r.job.ID, err)
	}
	login := r.login(ctx)

	if err := r.alive("navigate"); err != nil {
		return r.fail(err, login)
	}
	finalURL, err := r.navigate(ctx)
	if err != nil {
		return r.fail(err, login)
	}

	if err := r.alive("settle"); err != nil {
		return r.fail(err, login)
	}
	r.settle(ctx)

	if err := r.alive("capture"); err != nil {
		return r.fail(err, login)
	}
	artifact, err := r.capture(ctx)
	if err != nil {
		return r.fail(err, login)
	}

	r.log.Info().Bool("fallback", artifact.Fallback).Int("bytes", len(artifact.Bytes)).Msg("截图完成")
	res := models.Succeeded(r.job.ID, artifact)
	res.FinalURL = finalURL
	res.Login = login
	return res
}

func (r *run) fail(err error, login *models.LoginOutcome) models.JobResult {
	r.log.Warn().Err(err).Msg("任务失败")
	res := models.FailedFromError(r.job.ID, err)
	res.Login = login
	return res
}

// alive 每个阶段开始前检查会话资源
func (r *run) alive(stage string) error {
	if r.lease.Usable() {
		r.lease.Touch()
		return nil
	}
	return models.Errorf(models.KindResourceDisconnected, "pipeline."+stage, "会话资源在%s阶段前已失效", stage)
}

// dead 判断错误是否表示会话资源已不可用
func (r *run) dead(err error) bool {
	if err == nil {
		return false
	}
	if !r.lease.Usable() {
		return true
	}
	return errors.Is(err, browser.ErrSessionClosed) ||
		errors.Is(err, browser.ErrBrowserClosed) ||
		models.IsKind(err, models.KindResourceDisconnected)
}

func (r *run) disconnected(stage string, err error) error {
	return models.NewError(models.KindResourceDisconnected, "pipeline."+stage, err)
}

// evaluate 带超时的脚本执行
func (r *run) evaluate(ctx context.Context, js string, args ...interface{}) (gson.JSON, error) {
	ectx, cancel := context.WithTimeout(ctx, r.cfg.RecoveryTimeout)
	defer cancel()
	return r.session.Evaluate(ectx, js, args...)
}

// sleep 可被ctx打断的等待
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// race 在独立goroutine中执行fn并与超时竞争
func race[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
