package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/RecoveryAshes/RenderGuard/internal/models"
)

// navigate 按策略阶梯导航到目标URL,返回最终URL
// 会话在任务间复用,超时恢复和部分加载只接受属于目标的文档
func (r *run) navigate(ctx context.Context) (string, error) {
	before := r.currentURL(ctx)
	var lastErr error
	for i, st := range r.cfg.Ladder {
		if err := r.alive("navigate"); err != nil {
			return "", err
		}
		if ctx.Err() != nil {
			break
		}

		err := r.navigateOnce(ctx, r.job.URL, st)
		if err == nil {
			return r.currentURL(ctx), nil
		}
		if r.dead(err) {
			return "", r.disconnected("navigate", err)
		}
		lastErr = err

		r.log.Warn().Err(err).
			Int("strategy", i+1).
			Str("wait", string(st.Wait)).
			Dur("timeout", st.Timeout).
			Msg("导航策略失败")

		if isTimeout(err) && r.recoverTimeout(ctx) {
			cur := r.currentURL(ctx)
			if r.ownsDocument(cur, before) {
				r.log.Info().Int("strategy", i+1).Msg("导航超时但页面已有内容,视为成功")
				return cur, nil
			}
			r.log.Warn().Str("current_url", cur).Msg("页面内容不属于目标URL,继续尝试")
		}
	}

	// 所有策略失败后,当前文档属于目标且不是空白页或错误页时接受部分加载的页面
	if cur := r.currentURL(ctx); r.ownsDocument(cur, before) && r.lease.Usable() {
		r.log.Warn().Str("current_url", cur).Msg("导航策略全部失败,接受部分加载的页面")
		return cur, nil
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return "", models.NewError(models.KindNavigationFailure, "pipeline.navigate",
		fmt.Errorf("navigation failed: %v", lastErr))
}

func (r *run) navigateOnce(ctx context.Context, url string, st Strategy) error {
	nctx, cancel := context.WithTimeout(ctx, st.Timeout)
	defer cancel()
	err := r.session.Navigate(nctx, url, st.Wait)
	if err != nil && nctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

// recoverTimeout 导航超时后的轻量恢复: 停止加载、关闭对话框、检查页面是否已有内容
func (r *run) recoverTimeout(ctx context.Context) bool {
	rctx, cancel := context.WithTimeout(ctx, r.cfg.RecoveryTimeout)
	defer cancel()

	if err := r.session.StopLoading(rctx); err != nil {
		r.log.Debug().Err(err).Msg("停止加载失败")
	}
	// 没有对话框时返回错误,忽略
	_ = r.session.DismissDialog(rctx)

	res, err := r.session.Evaluate(rctx, contentCheckJS)
	if err != nil {
		r.log.Debug().Err(err).Msg("内容检查失败")
		return false
	}
	return res.Bool()
}

func (r *run) currentURL(ctx context.Context) string {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.RecoveryTimeout)
	defer cancel()
	u, err := r.session.URL(uctx)
	if err != nil {
		return ""
	}
	return u
}

// ownsDocument 当前文档在导航后已经切换,且主机与目标一致
// before为导航前的URL,可能是上一个任务或登录页留下的页面
func (r *run) ownsDocument(cur, before string) bool {
	if !acceptablePartial(cur) {
		return false
	}
	if before != "" && sameURL(cur, before) {
		return false
	}
	return sameHost(hostname(cur), hostname(r.job.URL))
}

// sameHost 忽略www前缀比较主机名
func sameHost(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.TrimPrefix(a, "www.") == strings.TrimPrefix(b, "www.")
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// acceptablePartial URL不是空白页或浏览器错误页
func acceptablePartial(u string) bool {
	u = strings.TrimSpace(strings.ToLower(u))
	switch {
	case u == "", u == "about:blank":
		return false
	case strings.HasPrefix(u, "chrome-error://"), strings.HasPrefix(u, "about:"):
		return false
	case strings.HasPrefix(u, "data:"):
		return false
	}
	return true
}
