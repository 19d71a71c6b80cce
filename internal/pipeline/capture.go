package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/RecoveryAshes/RenderGuard/internal/browser"
	"github.com/RecoveryAshes/RenderGuard/internal/models"
)

// errCaptureFailed 截图重试与降级全部失败
var errCaptureFailed = errors.New("capture failed")

// capture 固定视口区域截图,每次尝试与超时竞争;
// 重试耗尽后以降低分辨率和质量的参数再试一次
func (r *run) capture(ctx context.Context) (*models.Artifact, error) {
	w, h := r.cfg.ViewportWidth, r.cfg.ViewportHeight
	full := browser.ScreenshotOptions{
		Clip:    browser.Clip{Width: float64(w), Height: float64(h), Scale: 1},
		Quality: r.cfg.Quality,
	}

	for attempt := 1; attempt <= r.cfg.CaptureAttempts; attempt++ {
		if err := r.alive("capture"); err != nil {
			return nil, err
		}
		data, err := r.shoot(ctx, full)
		if err == nil {
			return &models.Artifact{
				Bytes:    data,
				MimeType: models.MimeTypeJPEG,
				Width:    w,
				Height:   h,
				Quality:  r.cfg.Quality,
			}, nil
		}
		if r.dead(err) {
			return nil, r.disconnected("capture", err)
		}
		r.log.Warn().Err(err).Int("attempt", attempt).Msg("截图失败")
	}

	if err := r.alive("capture"); err != nil {
		return nil, err
	}
	scale := r.cfg.FallbackScale
	reduced := browser.ScreenshotOptions{
		Clip:    browser.Clip{Width: float64(w), Height: float64(h), Scale: scale},
		Quality: r.cfg.FallbackQuality,
	}
	data, err := r.shoot(ctx, reduced)
	if err != nil {
		r.log.Error().Err(err).Msg("降级截图失败")
		if r.dead(err) {
			return nil, r.disconnected("capture", err)
		}
		return nil, models.NewError(models.KindCaptureFailure, "pipeline.capture", errCaptureFailed)
	}

	r.log.Warn().Float64("scale", scale).Int("quality", r.cfg.FallbackQuality).Msg("使用降级截图")
	return &models.Artifact{
		Bytes:    data,
		MimeType: models.MimeTypeJPEG,
		Width:    int(float64(w) * scale),
		Height:   int(float64(h) * scale),
		Quality:  r.cfg.FallbackQuality,
		Fallback: true,
	}, nil
}

func (r *run) shoot(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error) {
	data, err := race(ctx, r.cfg.CaptureTimeout, func(ctx context.Context) ([]byte, error) {
		return r.session.Screenshot(ctx, opts)
	})
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("截图数据为空")
	}
	return data, nil
}
