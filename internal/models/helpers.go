package models

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// DefaultAllowedSchemes 默认允许的URL协议
var DefaultAllowedSchemes = []string{"http", "https"}

// InvalidURLError 返回 "invalid URL: <input>" 格式的错误
func InvalidURLError(input string) error {
	return fmt.Errorf("invalid URL: %s", input)
}

// ValidateURL 验证URL
// allowedSchemes为空时使用DefaultAllowedSchemes
func ValidateURL(urlStr string, allowedSchemes []string) error {
	if len(allowedSchemes) == 0 {
		allowedSchemes = DefaultAllowedSchemes
	}
	parsed, err := url.Parse(strings.TrimSpace(urlStr))
	if err != nil {
		return fmt.Errorf("无效的URL: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	allowed := false
	for _, s := range allowedSchemes {
		if scheme == strings.ToLower(s) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("URL协议必须是%s之一", strings.Join(allowedSchemes, "/"))
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL必须包含主机名")
	}
	return nil
}

// generateID 生成唯一ID
func generateID() string {
	return uuid.New().String()
}
