package utils

import (
	"net/http"
	"net/url"
	"strings"
)

const redactedMark = "***"

// sensitiveNameParts 名称中包含这些片段的头部或凭据视为敏感
var sensitiveNameParts = []string{
	"authorization",
	"cookie",
	"credential",
	"key",
	"password",
	"secret",
	"session",
	"token",
}

// HeaderRedactor 日志输出前遮蔽请求头、凭据和URL中的敏感内容
type HeaderRedactor struct {
	parts []string
}

// NewHeaderRedactor 创建脱敏器
func NewHeaderRedactor() *HeaderRedactor {
	return &HeaderRedactor{parts: sensitiveNameParts}
}

func (hr *HeaderRedactor) sensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, part := range hr.parts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// mask 保留认证方案和长值的首尾各4个字符
func mask(value string) string {
	if scheme, _, ok := strings.Cut(value, " "); ok && (scheme == "Bearer" || scheme == "Basic") {
		return scheme + " " + redactedMark
	}
	if len(value) > 8 {
		return value[:4] + redactedMark + value[len(value)-4:]
	}
	return redactedMark
}

// Redact 返回可写入日志的头部副本,多值头部只取第一个值
func (hr *HeaderRedactor) Redact(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		if len(values) == 0 {
			continue
		}
		if hr.sensitive(name) {
			out[name] = mask(values[0])
		} else {
			out[name] = values[0]
		}
	}
	return out
}

// RedactCredentials 凭据只保留键名,空值保持为空
func (hr *HeaderRedactor) RedactCredentials(creds map[string]string) map[string]string {
	out := make(map[string]string, len(creds))
	for key, value := range creds {
		if value != "" {
			value = redactedMark
		}
		out[key] = value
	}
	return out
}

// RedactURL 遮蔽URL中的用户信息和敏感查询参数,无法解析时原样返回
func (hr *HeaderRedactor) RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		u.User = url.User(redactedMark)
	}
	if u.RawQuery != "" {
		q := u.Query()
		for name := range q {
			if hr.sensitive(name) {
				q.Set(name, redactedMark)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}
