package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/core"
	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/RecoveryAshes/RenderGuard/internal/utils"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// shot参数
var (
	targetURL string
	urlFile   string
	jobFile   string
	outputDir string

	// 批量处理参数
	batchDelay      time.Duration
	continueOnError bool
)

var shotCmd = &cobra.Command{
	Use:   "shot",
	Short: "命令行截图(单个URL、URL列表或任务文件)",
	RunE: func(cmd *cobra.Command, args []string) error {
		normalized, err := NormalizeURL(targetURL)
		if err != nil {
			return fmt.Errorf("无效的目标URL: %w", err)
		}
		targetURL = normalized
		if err := ValidateShotFlags(targetURL, urlFile, jobFile, batchDelay); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := newService()
		if err != nil {
			return err
		}
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("启动浏览器失败: %w", err)
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		runDone := make(chan struct{})
		go func() {
			defer close(runDone)
			_ = svc.Run(runCtx)
		}()
		defer func() {
			cancelRun()
			<-runDone
			shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.Queue.ShutdownTimeout)
			defer cancel()
			_ = svc.Shutdown(shutdownCtx)
		}()

		if urlFile != "" {
			return shootBatch(ctx, svc)
		}

		job := models.NewJob(targetURL)
		if jobFile != "" {
			if job, err = loadJobFile(jobFile); err != nil {
				return err
			}
		}
		return shootOne(ctx, svc, job)
	},
}

func shootOne(ctx context.Context, svc *core.Service, job *models.Job) error {
	result := svc.Do(ctx, job)
	if !result.OK() {
		return fmt.Errorf("截图失败 [%s]: %s", result.Kind(), result.Failure.Message)
	}

	dir, name := outputTarget(outputDir, job.URL)
	path, err := utils.NewReporter(dir).SaveScreenshot(name, result.Artifact.Bytes)
	if err != nil {
		return err
	}

	fmt.Println("==================================================")
	fmt.Println("📸 截图完成")
	fmt.Println("==================================================")
	fmt.Printf("✅ 输出文件: %s\n", path)
	fmt.Printf("✅ 最终URL: %s\n", result.FinalURL)
	fmt.Printf("📦 大小: %.2f KB\n", float64(len(result.Artifact.Bytes))/1024)
	if result.Artifact.Fallback {
		fmt.Println("⚠️  使用了降级分辨率截图")
	}
	if result.Login != nil {
		fmt.Printf("🔑 登录: %s 成功=%v 置信度=%.2f\n", result.Login.Site, result.Login.Success, result.Login.Confidence)
	}
	fmt.Printf("⏱️  耗时: %.2f秒\n", result.Duration.Seconds())
	fmt.Println("==================================================")
	return nil
}

func shootBatch(ctx context.Context, svc *core.Service) error {
	urls, err := utils.ReadURLsFromFile(urlFile)
	if err != nil {
		return fmt.Errorf("读取URL文件失败: %w", err)
	}

	bar := utils.NewProgressBar(len(urls), "截图中")
	runner := core.NewBatchRunner(svc, utils.NewReporter(outputDir), batchDelay, continueOnError)
	runner.OnProgress(func(models.ShotRecord) {
		_ = bar.Add(1)
	})

	report, err := runner.Run(ctx, urls)
	_ = bar.Finish()
	if err != nil {
		return fmt.Errorf("批量截图失败: %w", err)
	}
	if report.SuccessCount == 0 {
		return fmt.Errorf("所有URL截图均失败")
	}

	utils.Info("✨ 批量截图任务完成!")
	return nil
}

// loadJobFile 从YAML加载任务(含登录站点与凭据)
func loadJobFile(path string) (*models.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取任务文件失败: %w", err)
	}
	var job models.Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("解析任务文件失败: %w", err)
	}
	job.URL = strings.TrimSpace(job.URL)
	job.EnsureID()

	redactor := utils.NewHeaderRedactor()
	for site, creds := range job.Credentials {
		log.Debug().
			Str("site", site).
			Interface("credentials", redactor.RedactCredentials(creds)).
			Msg("已加载站点凭据")
	}
	log.Info().Str("job_id", job.ID).Str("url", job.URL).Int("login_sites", len(job.LoginSites)).Msg("已加载任务文件")
	return &job, nil
}

// outputTarget 解析输出位置: 以.jpg/.jpeg结尾视为文件,否则视为目录
func outputTarget(output, rawURL string) (dir, name string) {
	ext := strings.ToLower(filepath.Ext(output))
	if ext == ".jpg" || ext == ".jpeg" {
		return filepath.Dir(output), filepath.Base(output)
	}
	return output, utils.ShotFileName(rawURL, 1)
}

func init() {
	shotCmd.Flags().StringVarP(&targetURL, "url", "u", "", "目标URL")
	shotCmd.Flags().StringVarP(&urlFile, "url-file", "f", "", "包含URL列表的文件路径")
	shotCmd.Flags().StringVar(&jobFile, "job", "", "YAML任务文件(支持登录站点与凭据)")
	shotCmd.Flags().StringVarP(&outputDir, "output", "o", "output", "输出目录或.jpg文件路径")

	// 批量处理参数
	shotCmd.Flags().DurationVar(&batchDelay, "batch-delay", time.Second, "批量处理URL间延迟")
	shotCmd.Flags().BoolVar(&continueOnError, "continue-on-error", true, "遇到错误继续处理")
}
