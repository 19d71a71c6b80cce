package pipeline

import (
	"context"

	"github.com/RecoveryAshes/RenderGuard/internal/browser"
)

// configure 设置视口、UA、额外请求头与请求拦截
// 失败时有限次重试,仍失败则使用默认配置继续
func (r *run) configure(ctx context.Context) {
	for attempt := 1; attempt <= r.cfg.ConfigureRetries; attempt++ {
		err := r.applyConfig(ctx)
		if err == nil {
			return
		}
		if r.dead(err) || ctx.Err() != nil {
			return
		}
		r.log.Warn().Err(err).Int("attempt", attempt).Msg("会话配置失败")
	}
	r.log.Warn().Int("retries", r.cfg.ConfigureRetries).Msg("会话配置重试耗尽,使用默认配置继续")
}

func (r *run) applyConfig(ctx context.Context) error {
	if err := r.session.SetViewport(ctx, r.cfg.ViewportWidth, r.cfg.ViewportHeight); err != nil {
		return err
	}
	if r.cfg.UserAgent != "" {
		if err := r.session.SetUserAgent(ctx, r.cfg.UserAgent); err != nil {
			return err
		}
	}
	if len(r.cfg.ExtraHeaders) > 0 {
		if err := r.session.SetExtraHeaders(ctx, r.cfg.ExtraHeaders); err != nil {
			return err
		}
	}
	if len(r.cfg.AllowedResources) > 0 {
		return r.session.SetInterception(allowList(r.cfg.AllowedResources))
	}
	return nil
}

// allowList 只放行列表中的资源类型
func allowList(types []browser.ResourceType) func(browser.ResourceType) bool {
	allowed := make(map[browser.ResourceType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return func(t browser.ResourceType) bool {
		return allowed[t]
	}
}
