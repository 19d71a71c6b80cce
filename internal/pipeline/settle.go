package pipeline

import (
	"context"
	"math/rand"
	"time"
)

// settle 随机增量滚动触发懒加载,然后尝试关闭cookie横幅
// 尽力而为,失败只记录日志
func (r *run) settle(ctx context.Context) {
	r.scroll(ctx)
	if r.lease.Usable() {
		r.dismissCookies(ctx)
	}
}

func (r *run) scroll(ctx context.Context) {
	if r.cfg.ScrollSteps <= 0 {
		return
	}
	for i := 0; i < r.cfg.ScrollSteps; i++ {
		if ctx.Err() != nil || !r.lease.Usable() {
			return
		}
		distance := 300 + rand.Intn(500)
		res, err := r.evaluate(ctx, scrollByJS, distance)
		if err != nil {
			r.log.Debug().Err(err).Msg("滚动失败")
			return
		}
		if res.Bool() {
			break
		}
		_ = sleep(ctx, jitter(r.cfg.ScrollMinDelay, r.cfg.ScrollMaxDelay))
	}
	if _, err := r.evaluate(ctx, scrollTopJS); err != nil {
		r.log.Debug().Err(err).Msg("回到顶部失败")
	}
}

// dismissCookies 依次尝试固定的选择器,都没有命中时按按钮文本查找
func (r *run) dismissCookies(ctx context.Context) {
	for _, sel := range r.cfg.CookieSelectors {
		res, err := r.evaluate(ctx, clickSelectorJS, sel)
		if err != nil {
			if r.dead(err) {
				return
			}
			continue
		}
		if res.Bool() {
			r.log.Debug().Str("selector", sel).Msg("已关闭cookie横幅")
			return
		}
	}
	if len(r.cfg.CookieKeywords) == 0 {
		return
	}
	res, err := r.evaluate(ctx, clickTextJS, r.cfg.CookieKeywords)
	if err == nil && res.Bool() {
		r.log.Debug().Msg("按文本关闭了cookie横幅")
	}
}

func jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}
