package main

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/models"
)

// ValidateShotFlags 验证shot命令标志
// --url、--url-file、--job 必须且只能指定一个
func ValidateShotFlags(targetURL, urlFile, jobFile string, batchDelay time.Duration) error {
	given := 0
	for _, v := range []string{targetURL, urlFile, jobFile} {
		if v != "" {
			given++
		}
	}
	if given == 0 {
		return fmt.Errorf("必须指定 --url、--url-file 或 --job 之一")
	}
	if given > 1 {
		return fmt.Errorf("--url、--url-file 与 --job 不能同时使用")
	}

	if targetURL != "" {
		if err := models.ValidateURL(targetURL, nil); err != nil {
			return fmt.Errorf("无效的目标URL: %w", err)
		}
	}

	if batchDelay < 0 || batchDelay > time.Minute {
		return fmt.Errorf("批量延迟必须在0-60秒之间,当前值: %s", batchDelay)
	}
	return nil
}

// ValidateServeFlags 验证serve命令标志
func ValidateServeFlags(addr string, jobTimeout time.Duration) error {
	if addr != "" {
		if _, err := ListenPort(addr); err != nil {
			return err
		}
	}
	if jobTimeout < 0 {
		return fmt.Errorf("任务超时不能为负数,当前值: %s", jobTimeout)
	}
	return nil
}

// ListenPort 从监听地址中解析端口
func ListenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("无效的监听地址 %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("无效的监听端口: %q", portStr)
	}
	return port, nil
}

// NormalizeURL 规范化URL
func NormalizeURL(urlStr string) (string, error) {
	urlStr = strings.TrimSpace(urlStr)
	if urlStr == "" {
		return "", nil
	}
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return "", err
	}

	// 如果没有协议,默认使用https
	if parsed.Scheme == "" {
		urlStr = "https://" + urlStr
		parsed, err = url.Parse(urlStr)
		if err != nil {
			return "", err
		}
	}

	return parsed.String(), nil
}
