package utils

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/RecoveryAshes/RenderGuard/internal/models"
)

const (
	// MaxHeaderValueLength 头部值最大长度 (8KB)
	MaxHeaderValueLength = 8192

	// MaxUserAgentLength User-Agent最大长度
	MaxUserAgentLength = 512
)

var (
	// ForbiddenHeaders 由浏览器自己管理的头部,设置为额外请求头会被忽略或导致请求失败
	ForbiddenHeaders = []string{
		"Host",
		"Content-Length",
		"Transfer-Encoding",
		"Connection",
		"Keep-Alive",
		"Upgrade",
		"TE",
		"Trailer",
	}

	// ForbiddenPrefixes 浏览器保留的头部前缀
	ForbiddenPrefixes = []string{"Sec-", "Proxy-"}
)

var (
	headerNamePattern  = regexp.MustCompile(`^[A-Za-z0-9-]+$`)
	headerValuePattern = regexp.MustCompile(`^[\x20-\x7E\t]*$`)
)

// HeaderValidator 校验会话请求头
type HeaderValidator struct {
	maxValueLength int
	forbidden      map[string]bool
	prefixes       []string
}

// NewHeaderValidator 创建验证器
func NewHeaderValidator() *HeaderValidator {
	forbidden := make(map[string]bool, len(ForbiddenHeaders))
	for _, h := range ForbiddenHeaders {
		forbidden[strings.ToLower(h)] = true
	}
	prefixes := make([]string, 0, len(ForbiddenPrefixes))
	for _, p := range ForbiddenPrefixes {
		prefixes = append(prefixes, strings.ToLower(p))
	}
	return &HeaderValidator{
		maxValueLength: MaxHeaderValueLength,
		forbidden:      forbidden,
		prefixes:       prefixes,
	}
}

// ValidateName 验证头部名称 (RFC 7230 token的子集: 字母、数字、连字符)
func (hv *HeaderValidator) ValidateName(name string) error {
	if name == "" {
		return &models.ValidationError{Field: "name", Reason: "头部名称不能为空"}
	}
	if !headerNamePattern.MatchString(name) {
		return &models.ValidationError{
			Field:      "name",
			HeaderName: name,
			Reason:     "头部名称包含非法字符 (仅允许字母、数字和连字符)",
			Suggestion: "使用如 'Accept-Language'、'X-Custom-Header' 的名称",
		}
	}
	return nil
}

// ValidateValue 验证头部值
func (hv *HeaderValidator) ValidateValue(name, value string) error {
	if len(value) > hv.maxValueLength {
		return &models.ValidationError{
			Field:      "value",
			HeaderName: name,
			Reason:     fmt.Sprintf("头部值过长: %d 字节 (最大 %d)", len(value), hv.maxValueLength),
		}
	}
	if !headerValuePattern.MatchString(value) {
		return &models.ValidationError{
			Field:      "value",
			HeaderName: name,
			Reason:     "头部值包含非法字符 (仅允许可打印ASCII字符)",
			Suggestion: "移除控制字符和非ASCII字符,非ASCII内容请先编码",
		}
	}
	return nil
}

// ValidateUserAgent 验证会话User-Agent
func (hv *HeaderValidator) ValidateUserAgent(ua string) error {
	if strings.TrimSpace(ua) == "" {
		return &models.ValidationError{Field: "value", HeaderName: "User-Agent", Reason: "User-Agent不能为空"}
	}
	if len(ua) > MaxUserAgentLength {
		return &models.ValidationError{
			Field:      "value",
			HeaderName: "User-Agent",
			Reason:     fmt.Sprintf("User-Agent过长: %d 字节 (最大 %d)", len(ua), MaxUserAgentLength),
		}
	}
	return hv.ValidateValue("User-Agent", ua)
}

// ValidateHeader 验证头部名称与值
func (hv *HeaderValidator) ValidateHeader(name, value string) error {
	if err := hv.ValidateName(name); err != nil {
		return err
	}
	if hv.IsForbidden(name) {
		return &models.ValidationError{
			Field:      "name",
			HeaderName: name,
			Reason:     "此头部由浏览器管理,不允许自定义",
			Suggestion: fmt.Sprintf("移除 '%s' 头部配置", name),
		}
	}
	if http.CanonicalHeaderKey(name) == "User-Agent" {
		return hv.ValidateUserAgent(value)
	}
	return hv.ValidateValue(name, value)
}

// IsForbidden 检查头部是否由浏览器保留
func (hv *HeaderValidator) IsForbidden(name string) bool {
	lower := strings.ToLower(name)
	if hv.forbidden[lower] {
		return true
	}
	for _, p := range hv.prefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// Validate 按名称顺序验证所有头部,返回第一个错误
func (hv *HeaderValidator) Validate(headers http.Header) error {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, value := range headers[name] {
			if err := hv.ValidateHeader(name, value); err != nil {
				return err
			}
		}
	}
	return nil
}
