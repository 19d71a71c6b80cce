package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"golang.org/x/net/publicsuffix"
)

// matchSite 找到与目标域名匹配的登录站点
// 登录地址的可注册域名与目标主机名任一方向包含即匹配
func matchSite(target string, sites []models.LoginSite) (models.LoginSite, bool) {
	host := hostname(target)
	if host == "" {
		return models.LoginSite{}, false
	}
	for _, site := range sites {
		domain := registrableDomain(hostname(site.LoginURL))
		if domain == "" {
			continue
		}
		if strings.Contains(host, domain) || strings.Contains(domain, host) {
			return site, true
		}
	}
	return models.LoginSite{}, false
}

func hostname(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func registrableDomain(host string) string {
	if host == "" {
		return ""
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// IP地址或localhost之类没有公共后缀的主机
		return host
	}
	return domain
}

// classifyLogin URL离开登录页,或成功步骤占比达到阈值,视为登录成功
// 置信度: URL变化时为1,否则为成功步骤占比
func classifyLogin(succeeded, total int, urlChanged bool, threshold float64) (bool, float64) {
	ratio := 0.0
	if total > 0 {
		ratio = float64(succeeded) / float64(total)
	}
	if urlChanged {
		return true, 1
	}
	return ratio >= threshold, ratio
}

// login 登录自动化,失败不影响后续导航
func (r *run) login(ctx context.Context) *models.LoginOutcome {
	if len(r.job.LoginSites) == 0 {
		return nil
	}
	site, ok := matchSite(r.job.URL, r.job.LoginSites)
	if !ok {
		r.log.Debug().Msg("没有匹配目标域名的登录站点")
		return nil
	}
	creds, ok := r.job.CredentialsFor(site.Name)
	if !ok {
		r.log.Debug().Str("site", site.Name).Msg("登录站点没有凭据,跳过登录")
		return nil
	}

	outcome := &models.LoginOutcome{Site: site.Name, Total: len(site.Steps)}
	siteLog := r.log.With().Str("site", site.Name).Logger()
	siteLog.Info().Int("steps", len(site.Steps)).Msg("开始登录")

	nav := Strategy{Wait: r.cfg.Ladder[0].Wait, Timeout: r.cfg.LoginNavigateTimeout}
	if err := r.navigateOnce(ctx, site.LoginURL, nav); err != nil {
		if r.dead(err) {
			siteLog.Warn().Err(err).Msg("打开登录页时会话资源失效")
			return outcome
		}
		if !isTimeout(err) || !r.recoverTimeout(ctx) {
			siteLog.Warn().Err(err).Msg("打开登录页失败,仍尝试执行登录步骤")
		}
	}

	landed := r.currentURL(ctx)
	if r.implicitSuccess(ctx, site.LoginURL, landed) {
		outcome.Implicit = true
		outcome.URLChanged = true
		outcome.Success, outcome.Confidence = true, 1
		siteLog.Info().Str("landed", landed).Msg("登录页已重定向,视为已登录")
		return outcome
	}

	for i, step := range site.Steps {
		if !r.lease.Usable() {
			siteLog.Warn().Int("step", i+1).Msg("登录过程中会话资源失效")
			break
		}
		if err := r.runStep(ctx, step, creds); err != nil {
			siteLog.Warn().Err(err).Int("step", i+1).Str("action", step.String()).Msg("登录步骤失败")
			continue
		}
		outcome.Succeeded++
	}

	_ = sleep(ctx, r.cfg.PostLoginWait)

	after := r.currentURL(ctx)
	from := landed
	if from == "" {
		from = site.LoginURL
	}
	outcome.URLChanged = after != "" && !sameURL(after, from)
	outcome.Success, outcome.Confidence = classifyLogin(outcome.Succeeded, outcome.Total, outcome.URLChanged, r.cfg.LoginSuccessRatio)

	evt := siteLog.Info()
	if !outcome.Success {
		evt = siteLog.Warn()
	}
	evt.Int("succeeded", outcome.Succeeded).
		Int("total", outcome.Total).
		Bool("url_changed", outcome.URLChanged).
		Float64("confidence", outcome.Confidence).
		Bool("success", outcome.Success).
		Msg("登录结束")
	return outcome
}

// implicitSuccess 打开登录页时被重定向到已登录页面
// 重定向到另一个登录表单(路径像登录页或页面上有密码框)不算
func (r *run) implicitSuccess(ctx context.Context, loginURL, landed string) bool {
	if landed == "" || sameURL(landed, loginURL) || looksLikeLoginPath(landed) {
		return false
	}
	lower := strings.ToLower(landed)
	matched := false
	for _, pattern := range r.cfg.ImplicitLoginURLs {
		if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	res, err := r.evaluate(ctx, passwordFieldJS)
	if err != nil {
		r.log.Debug().Err(err).Msg("密码框检查失败,不视为已登录")
		return false
	}
	return !res.Bool()
}

var loginPathMarkers = []string{"login", "signin", "sign-in", "sign_in", "logon", "auth"}

func looksLikeLoginPath(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	for _, m := range loginPathMarkers {
		if strings.Contains(path, m) {
			return true
		}
	}
	return false
}

// runStep 执行单个登录步骤
func (r *run) runStep(ctx context.Context, step models.LoginStep, creds models.Credentials) error {
	timeout := r.cfg.LoginStepTimeout
	if step.Kind == models.StepWait && step.Duration.Std() >= timeout {
		timeout = step.Duration.Std() + time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch step.Kind {
	case models.StepInput:
		value, ok := creds[step.CredentialKey]
		if !ok {
			return fmt.Errorf("缺少凭据 %q", step.CredentialKey)
		}
		return r.session.Input(sctx, step.Selector, value)
	case models.StepClick:
		return r.session.Click(sctx, step.Selector)
	case models.StepClickText:
		res, err := r.session.Evaluate(sctx, clickTextJS, []string{step.Text})
		if err != nil {
			return err
		}
		if !res.Bool() {
			return fmt.Errorf("没有找到包含文本 %q 的可点击元素", step.Text)
		}
		return nil
	case models.StepWait:
		return sleep(sctx, step.Duration.Std())
	default:
		return fmt.Errorf("未知的步骤类型: %q", step.Kind)
	}
}

// sameURL 忽略片段与末尾斜杠比较URL
func sameURL(a, b string) bool {
	return normalizeURL(a) == normalizeURL(b)
}

func normalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	u.Scheme = strings.ToLower(u.Scheme)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
