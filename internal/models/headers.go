package models

import (
	"fmt"
	"net/http"
	"strings"
)

// HeaderConfig headers.yaml 的结构
// user_agent 通过浏览器仿真设置,headers 附加到页面发出的每个请求
type HeaderConfig struct {
	UserAgent string            `mapstructure:"user_agent" yaml:"user_agent"`
	Headers   map[string]string `mapstructure:"headers" yaml:"headers"`
}

// Header 转换为http.Header,user_agent 字段优先于 headers 中的 User-Agent
func (c *HeaderConfig) Header() http.Header {
	h := make(http.Header, len(c.Headers)+1)
	for name, value := range c.Headers {
		h.Set(name, strings.TrimSpace(value))
	}
	if ua := strings.TrimSpace(c.UserAgent); ua != "" {
		h.Set("User-Agent", ua)
	}
	return h
}

// CliHeaders 命令行 -H 参数,每项格式为 "Name: Value"
type CliHeaders []string

// Parse 解析为http.Header,同名头部后者覆盖前者
func (ch CliHeaders) Parse() (http.Header, error) {
	result := make(http.Header)
	for i, s := range ch {
		name, value, err := parseHeaderString(s)
		if err != nil {
			return nil, fmt.Errorf("参数 --header 第%d项格式错误: %w", i+1, err)
		}
		result.Set(name, value)
	}
	return result, nil
}

func parseHeaderString(s string) (name, value string, err error) {
	if strings.ContainsAny(s, "\r\n") {
		return "", "", fmt.Errorf("不能包含换行符")
	}
	name, value, ok := strings.Cut(s, ":")
	if !ok {
		return "", "", fmt.Errorf("缺少冒号分隔符,应为 'Name: Value'")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", fmt.Errorf("头部名称不能为空")
	}
	return name, strings.TrimSpace(value), nil
}

// HeaderProvider 提供会话请求头,已按 默认 < 配置文件 < 命令行 合并
type HeaderProvider interface {
	GetHeaders() (http.Header, error)
}

// ValidationError 头部验证错误
type ValidationError struct {
	Source     string // 默认/配置文件/命令行,可为空
	Field      string // "name" 或 "value"
	HeaderName string
	Reason     string
	Suggestion string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("头部验证失败")
	if e.Source != "" {
		fmt.Fprintf(&b, "(%s)", e.Source)
	}
	fmt.Fprintf(&b, " [%s]: %s", e.HeaderName, e.Reason)
	if e.Suggestion != "" {
		fmt.Fprintf(&b, " (建议: %s)", e.Suggestion)
	}
	return b.String()
}

// ConfigError 头部配置文件错误
type ConfigError struct {
	FilePath string
	Cause    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("配置文件错误 [%s]: %v", e.FilePath, e.Cause)
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}
