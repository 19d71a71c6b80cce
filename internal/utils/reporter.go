package utils

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/schollz/progressbar/v3"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Reporter 截图与报告输出
type Reporter struct {
	outputDir string
}

// NewReporter 创建报告生成器
func NewReporter(outputDir string) *Reporter {
	return &Reporter{outputDir: outputDir}
}

// OutputDir 返回输出目录
func (r *Reporter) OutputDir() string {
	return r.outputDir
}

// ShotFileName 根据URL生成截图文件名: <host>_<n>.jpg
func ShotFileName(rawURL string, n int) string {
	host := "page"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	host = strings.Trim(unsafeNameChars.ReplaceAllString(host, "_"), "_")
	if host == "" {
		host = "page"
	}
	return fmt.Sprintf("%s_%d.jpg", host, n)
}

// SaveScreenshot 保存截图,返回文件路径
func (r *Reporter) SaveScreenshot(name string, data []byte) (string, error) {
	if err := os.MkdirAll(r.outputDir, 0755); err != nil {
		return "", fmt.Errorf("创建输出目录失败: %w", err)
	}
	path := filepath.Join(r.outputDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("写入截图失败: %w", err)
	}
	Debugf("保存截图: %s (%d 字节)", path, len(data))
	return path, nil
}

// GenerateReport 生成批量截图报告
func (r *Reporter) GenerateReport(report *models.ShotReport) (string, error) {
	reportsDir := filepath.Join(r.outputDir, "reports")
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return "", fmt.Errorf("创建报告目录失败: %w", err)
	}

	data, err := report.ToJSON()
	if err != nil {
		return "", fmt.Errorf("序列化JSON失败: %w", err)
	}

	path := filepath.Join(reportsDir, "shot_report.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("写入报告文件失败: %w", err)
	}

	Infof("✅ 报告已生成: %s", path)
	return path, nil
}

// NewProgressBar 创建进度条
func NewProgressBar(max int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(max,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
