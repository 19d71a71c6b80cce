package core

import (
	"context"
	"fmt"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/RecoveryAshes/RenderGuard/internal/utils"
)

// JobRunner 执行单个任务并返回结果
type JobRunner interface {
	Do(ctx context.Context, job *models.Job) models.JobResult
}

// BatchRunner 批量截图
// 任务逐个提交,队列本身保证串行执行
type BatchRunner struct {
	runner        JobRunner
	reporter      *utils.Reporter
	batchDelay    time.Duration
	continueOnErr bool
	onProgress    func(rec models.ShotRecord)
	redactor      *utils.HeaderRedactor
}

// NewBatchRunner 创建批量截图器
func NewBatchRunner(runner JobRunner, reporter *utils.Reporter, batchDelay time.Duration, continueOnErr bool) *BatchRunner {
	return &BatchRunner{
		runner:        runner,
		reporter:      reporter,
		batchDelay:    batchDelay,
		continueOnErr: continueOnErr,
		redactor:      utils.NewHeaderRedactor(),
	}
}

// OnProgress 设置每个URL处理完成后的回调
func (br *BatchRunner) OnProgress(fn func(rec models.ShotRecord)) {
	br.onProgress = fn
}

// Run 批量截图URL列表
// ctx取消时停止提交新任务,已完成的记录仍写入报告
func (br *BatchRunner) Run(ctx context.Context, urls []string) (*models.ShotReport, error) {
	utils.Infof("🚀 开始批量截图: %d个URL", len(urls))
	report := models.NewShotReport(len(urls))

	for i, targetURL := range urls {
		if ctx.Err() != nil {
			utils.Warn("批量截图被取消")
			report.Aborted = true
			break
		}
		utils.Debugf("[%d/%d] 目标URL: %s", i+1, len(urls), br.redactor.RedactURL(targetURL))

		rec := br.shoot(ctx, targetURL, i+1)
		report.Add(rec)
		if br.onProgress != nil {
			br.onProgress(rec)
		}

		if !rec.Success {
			utils.Errorf("❌ 截图失败: %s [%s] %s", br.redactor.RedactURL(targetURL), rec.Kind, rec.Error)
			if !br.continueOnErr {
				utils.Warn("批量截图中止 (--continue-on-error=false)")
				report.Aborted = true
				break
			}
		}

		// 最后一个URL不需要延迟
		if i < len(urls)-1 && br.batchDelay > 0 {
			select {
			case <-time.After(br.batchDelay):
			case <-ctx.Done():
			}
		}
	}

	report.Finish()
	br.printSummary(report)

	if _, err := br.reporter.GenerateReport(report); err != nil {
		return report, fmt.Errorf("生成报告失败: %w", err)
	}
	return report, nil
}

func (br *BatchRunner) shoot(ctx context.Context, targetURL string, n int) models.ShotRecord {
	job := models.NewJob(targetURL)
	result := br.runner.Do(ctx, job)
	rec := models.NewShotRecord(job, result)
	if !result.OK() {
		return rec
	}

	path, err := br.reporter.SaveScreenshot(utils.ShotFileName(targetURL, n), result.Artifact.Bytes)
	if err != nil {
		rec.Success = false
		rec.Kind = models.KindInternal.String()
		rec.Error = err.Error()
		return rec
	}
	rec.OutputPath = path
	return rec
}

// printSummary 打印批量截图摘要
func (br *BatchRunner) printSummary(report *models.ShotReport) {
	utils.Info("==================================================")
	utils.Info("📊 批量截图摘要")
	utils.Info("==================================================")
	utils.Infof("总URL数: %d", report.TotalURLs)
	utils.Infof("✅ 成功: %d (降级截图 %d)", report.SuccessCount, report.FallbackCount)
	utils.Infof("❌ 失败: %d", report.FailCount)
	utils.Infof("📦 总大小: %.2f MB", float64(report.TotalSize)/(1024*1024))
	utils.Infof("⏱️  总耗时: %.2f秒", report.Duration)
	utils.Info("==================================================")

	if failed := report.Failed(); len(failed) > 0 {
		utils.Warn("失败的URL:")
		for _, rec := range failed {
			utils.Warnf("  - %s: [%s] %s", rec.URL, rec.Kind, rec.Error)
		}
	}
}
