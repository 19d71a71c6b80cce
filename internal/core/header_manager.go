package core

import (
	"errors"
	"net/http"

	"github.com/RecoveryAshes/RenderGuard/internal/config"
	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/RecoveryAshes/RenderGuard/internal/utils"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultUserAgent 默认User-Agent
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/120.0.0.0 Safari/537.36"
)

// HeaderManager 管理浏览器会话的请求头
// 优先级: 默认 < 配置文件 < 命令行
// 实现 HeaderProvider 接口
type HeaderManager struct {
	defaults http.Header
	config   http.Header
	cli      http.Header

	validator *utils.HeaderValidator
	redactor  *utils.HeaderRedactor

	// configLoader 为nil时不读取配置文件
	configLoader *config.HeaderConfigLoader

	loaded bool
}

// NewHeaderManager 创建头部管理器
// 参数:
//   - configFile: 头部配置文件路径,为空时只使用默认值与命令行头部
//   - cliHeaders: 命令行传递的 "Name: Value" 列表
func NewHeaderManager(configFile string, cliHeaders []string) (*HeaderManager, error) {
	hm := &HeaderManager{
		defaults:  getDefaultHeaders(),
		config:    make(http.Header),
		cli:       make(http.Header),
		validator: utils.NewHeaderValidator(),
		redactor:  utils.NewHeaderRedactor(),
	}
	if configFile != "" {
		hm.configLoader = config.NewHeaderConfigLoader(configFile)
	}

	if len(cliHeaders) > 0 {
		parsed, err := models.CliHeaders(cliHeaders).Parse()
		if err != nil {
			return nil, err
		}
		hm.cli = parsed
	}

	return hm, nil
}

// getDefaultHeaders 返回系统默认头部
// 只有User-Agent,其余头部交给浏览器自己协商
func getDefaultHeaders() http.Header {
	return http.Header{
		"User-Agent": []string{DefaultUserAgent},
	}
}

// LoadConfig 加载配置文件,已加载时跳过
func (hm *HeaderManager) LoadConfig() error {
	if hm.loaded || hm.configLoader == nil {
		return nil
	}

	headerConfig, err := hm.configLoader.LoadConfig()
	if err != nil {
		log.Error().Err(err).Msg("加载请求头配置失败")
		return err
	}

	hm.config = headerConfig.Header()
	hm.loaded = true

	if len(hm.config) > 0 {
		log.Debug().
			Str("file", hm.configLoader.Path()).
			Int("count", len(hm.config)).
			Interface("headers", hm.redactor.Redact(hm.config)).
			Msg("已加载请求头配置")
	}
	return nil
}

// Validate 依次验证默认、配置文件、命令行头部
func (hm *HeaderManager) Validate() error {
	for _, h := range []struct {
		source  string
		headers http.Header
	}{
		{"默认", hm.defaults},
		{"配置文件", hm.config},
		{"命令行", hm.cli},
	} {
		if err := hm.validator.Validate(h.headers); err != nil {
			var ve *models.ValidationError
			if errors.As(err, &ve) {
				ve.Source = h.source
			}
			log.Error().Err(err).Str("source", h.source).Msg("请求头验证失败")
			return err
		}
	}
	return nil
}

// GetMergedHeaders 按优先级合并头部
func (hm *HeaderManager) GetMergedHeaders() http.Header {
	result := make(http.Header)
	for _, layer := range []http.Header{hm.defaults, hm.config, hm.cli} {
		for name, values := range layer {
			result[name] = values
		}
	}
	return result
}

// GetSafeHeaders 返回脱敏后的头部,用于日志
func (hm *HeaderManager) GetSafeHeaders() map[string]string {
	return hm.redactor.Redact(hm.GetMergedHeaders())
}

// GetHeaders 实现 HeaderProvider 接口
func (hm *HeaderManager) GetHeaders() (http.Header, error) {
	if err := hm.LoadConfig(); err != nil {
		return nil, err
	}
	if err := hm.Validate(); err != nil {
		return nil, err
	}
	return hm.GetMergedHeaders(), nil
}

// SessionHeaders 拆分为会话User-Agent与额外请求头
// User-Agent通过仿真接口设置,不作为额外请求头发送
func SessionHeaders(provider models.HeaderProvider) (userAgent string, extra map[string]string, err error) {
	headers, err := provider.GetHeaders()
	if err != nil {
		return "", nil, err
	}
	userAgent = headers.Get("User-Agent")
	extra = make(map[string]string, len(headers))
	for name, values := range headers {
		if http.CanonicalHeaderKey(name) == "User-Agent" || len(values) == 0 {
			continue
		}
		extra[http.CanonicalHeaderKey(name)] = values[0]
	}
	return userAgent, extra, nil
}
