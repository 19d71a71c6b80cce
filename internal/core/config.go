package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/browser"
	"github.com/RecoveryAshes/RenderGuard/internal/pipeline"
	"github.com/RecoveryAshes/RenderGuard/internal/pool"
	"github.com/RecoveryAshes/RenderGuard/internal/queue"
	"github.com/RecoveryAshes/RenderGuard/internal/supervisor"
	"github.com/RecoveryAshes/RenderGuard/internal/utils"
	"github.com/RecoveryAshes/RenderGuard/internal/watchdog"
	"github.com/spf13/viper"
)

// Config 应用程序配置
type Config struct {
	Browser    BrowserConfig    `mapstructure:"browser"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Watchdog   WatchdogConfig   `mapstructure:"watchdog"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Server     ServerConfig     `mapstructure:"server"`
	Tunnel     TunnelConfig     `mapstructure:"tunnel"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// BrowserConfig 浏览器配置
type BrowserConfig struct {
	Bin       string            `mapstructure:"bin"`
	RemoteURL string            `mapstructure:"remote_url"` // 连接已有的DevTools地址,为空时本地启动
	Headless  bool              `mapstructure:"headless"`
	NoSandbox bool              `mapstructure:"no_sandbox"`
	Flags     map[string]string `mapstructure:"flags"`
}

// PoolConfig 会话池配置
type PoolConfig struct {
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	PingTimeout    time.Duration `mapstructure:"ping_timeout"`
	EvictInterval  time.Duration `mapstructure:"evict_interval"`
}

// QueueConfig 任务队列配置
type QueueConfig struct {
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	MaxWaiting      int           `mapstructure:"max_waiting"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SupervisorConfig 监督器配置
type SupervisorConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	LaunchTimeout     time.Duration `mapstructure:"launch_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// WatchdogConfig 内存看门狗配置,阈值单位MB,全部为0时按系统内存比例推算
type WatchdogConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Interval         time.Duration `mapstructure:"interval"`
	WarningMB        uint64        `mapstructure:"warning_mb"`
	CriticalMB       uint64        `mapstructure:"critical_mb"`
	EmergencyMB      uint64        `mapstructure:"emergency_mb"`
	SustainedSamples int           `mapstructure:"sustained_samples"`
	GCInterval       time.Duration `mapstructure:"gc_interval"`
}

// StrategyConfig 导航策略
type StrategyConfig struct {
	Wait    string        `mapstructure:"wait"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PipelineConfig 流水线配置
type PipelineConfig struct {
	AllowedSchemes   []string         `mapstructure:"allowed_schemes"`
	ViewportWidth    int              `mapstructure:"viewport_width"`
	ViewportHeight   int              `mapstructure:"viewport_height"`
	UserAgent        string           `mapstructure:"user_agent"`
	HeadersFile      string           `mapstructure:"headers_file"`
	AllowedResources []string         `mapstructure:"allowed_resources"`
	ConfigureRetries int              `mapstructure:"configure_retries"`
	Ladder           []StrategyConfig `mapstructure:"ladder"`
	RecoveryTimeout  time.Duration    `mapstructure:"recovery_timeout"`

	LoginNavigateTimeout time.Duration `mapstructure:"login_navigate_timeout"`
	LoginStepTimeout     time.Duration `mapstructure:"login_step_timeout"`
	PostLoginWait        time.Duration `mapstructure:"post_login_wait"`
	LoginSuccessRatio    float64       `mapstructure:"login_success_ratio"`
	ImplicitLoginURLs    []string      `mapstructure:"implicit_login_urls"`

	ScrollSteps     int      `mapstructure:"scroll_steps"`
	CookieSelectors []string `mapstructure:"cookie_selectors"`
	CookieKeywords  []string `mapstructure:"cookie_keywords"`

	CaptureAttempts int           `mapstructure:"capture_attempts"`
	CaptureTimeout  time.Duration `mapstructure:"capture_timeout"`
	Quality         int           `mapstructure:"quality"`
	FallbackScale   float64       `mapstructure:"fallback_scale"`
	FallbackQuality int           `mapstructure:"fallback_quality"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	RateLimit       float64       `mapstructure:"rate_limit"` // 每秒允许提交的任务数,0表示不限制
	RateBurst       int           `mapstructure:"rate_burst"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TunnelConfig 外网暴露隧道配置
type TunnelConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Command string        `mapstructure:"command"`
	Args    []string      `mapstructure:"args"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	LogDir   string         `mapstructure:"log_dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// LoadConfig 加载配置文件
// 配置文件不存在时使用默认值,环境变量(RENDERGUARD_前缀)覆盖配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".renderguard"))
		}
	}

	v.SetEnvPrefix("RENDERGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// DefaultConfig 只包含默认值的配置
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	// 默认值总能解析
	_ = v.Unmarshal(&config)
	return &config
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("browser.bin", "")
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)

	v.SetDefault("pool.acquire_timeout", "30s")
	v.SetDefault("pool.max_age", "30m")
	v.SetDefault("pool.ping_timeout", "3s")
	v.SetDefault("pool.evict_interval", "1m")

	v.SetDefault("queue.job_timeout", "90s")
	v.SetDefault("queue.max_waiting", 0)
	v.SetDefault("queue.shutdown_timeout", "2m")

	v.SetDefault("supervisor.max_attempts", 5)
	v.SetDefault("supervisor.cooldown", "2s")
	v.SetDefault("supervisor.launch_timeout", "60s")
	v.SetDefault("supervisor.heartbeat_interval", "15s")

	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.interval", "10s")
	v.SetDefault("watchdog.warning_mb", 0)
	v.SetDefault("watchdog.critical_mb", 0)
	v.SetDefault("watchdog.emergency_mb", 0)
	v.SetDefault("watchdog.sustained_samples", 3)
	v.SetDefault("watchdog.gc_interval", "1m")

	def := pipeline.DefaultConfig()
	ladder := make([]map[string]interface{}, 0, len(def.Ladder))
	for _, st := range def.Ladder {
		ladder = append(ladder, map[string]interface{}{"wait": string(st.Wait), "timeout": st.Timeout.String()})
	}
	resources := make([]string, 0, len(def.AllowedResources))
	for _, rt := range def.AllowedResources {
		resources = append(resources, string(rt))
	}
	v.SetDefault("pipeline.allowed_schemes", def.AllowedSchemes)
	v.SetDefault("pipeline.viewport_width", def.ViewportWidth)
	v.SetDefault("pipeline.viewport_height", def.ViewportHeight)
	v.SetDefault("pipeline.user_agent", "")
	v.SetDefault("pipeline.headers_file", "")
	v.SetDefault("pipeline.allowed_resources", resources)
	v.SetDefault("pipeline.configure_retries", def.ConfigureRetries)
	v.SetDefault("pipeline.ladder", ladder)
	v.SetDefault("pipeline.recovery_timeout", def.RecoveryTimeout.String())
	v.SetDefault("pipeline.login_navigate_timeout", def.LoginNavigateTimeout.String())
	v.SetDefault("pipeline.login_step_timeout", def.LoginStepTimeout.String())
	v.SetDefault("pipeline.post_login_wait", def.PostLoginWait.String())
	v.SetDefault("pipeline.login_success_ratio", def.LoginSuccessRatio)
	v.SetDefault("pipeline.implicit_login_urls", def.ImplicitLoginURLs)
	v.SetDefault("pipeline.scroll_steps", def.ScrollSteps)
	v.SetDefault("pipeline.cookie_selectors", def.CookieSelectors)
	v.SetDefault("pipeline.cookie_keywords", def.CookieKeywords)
	v.SetDefault("pipeline.capture_attempts", def.CaptureAttempts)
	v.SetDefault("pipeline.capture_timeout", def.CaptureTimeout.String())
	v.SetDefault("pipeline.quality", def.Quality)
	v.SetDefault("pipeline.fallback_scale", def.FallbackScale)
	v.SetDefault("pipeline.fallback_quality", def.FallbackQuality)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.rate_limit", 2.0)
	v.SetDefault("server.rate_burst", 10)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("tunnel.enabled", false)
	v.SetDefault("tunnel.command", "")
	v.SetDefault("tunnel.token", "")
	v.SetDefault("tunnel.timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.rotation.max_size", 10)
	v.SetDefault("logging.rotation.max_backups", 3)
	v.SetDefault("logging.rotation.max_age", 28)
	v.SetDefault("logging.rotation.compress", true)
}

// Validate 检查配置取值范围
func (c *Config) Validate() error {
	positive := map[string]time.Duration{
		"pool.acquire_timeout":            c.Pool.AcquireTimeout,
		"queue.job_timeout":               c.Queue.JobTimeout,
		"supervisor.launch_timeout":       c.Supervisor.LaunchTimeout,
		"pipeline.recovery_timeout":       c.Pipeline.RecoveryTimeout,
		"pipeline.login_navigate_timeout": c.Pipeline.LoginNavigateTimeout,
		"pipeline.login_step_timeout":     c.Pipeline.LoginStepTimeout,
		"pipeline.capture_timeout":        c.Pipeline.CaptureTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("配置项 %s 必须为正数,当前值: %s", key, d)
		}
	}
	if c.Supervisor.Cooldown < 0 {
		return fmt.Errorf("配置项 supervisor.cooldown 不能为负数")
	}
	if c.Supervisor.MaxAttempts < 1 {
		return fmt.Errorf("配置项 supervisor.max_attempts 必须大于0")
	}
	if c.Queue.MaxWaiting < 0 {
		return fmt.Errorf("配置项 queue.max_waiting 不能为负数")
	}
	if len(c.Pipeline.Ladder) == 0 {
		return fmt.Errorf("配置项 pipeline.ladder 不能为空")
	}
	for i, st := range c.Pipeline.Ladder {
		if st.Timeout <= 0 {
			return fmt.Errorf("导航策略第%d项的超时必须为正数", i+1)
		}
		if !validWait(browser.WaitCondition(st.Wait)) {
			return fmt.Errorf("导航策略第%d项的等待条件无效: %q", i+1, st.Wait)
		}
	}
	if r := c.Pipeline.LoginSuccessRatio; r <= 0 || r > 1 {
		return fmt.Errorf("配置项 pipeline.login_success_ratio 必须在(0,1]之间,当前值: %v", r)
	}
	if q := c.Pipeline.Quality; q < 1 || q > 100 {
		return fmt.Errorf("配置项 pipeline.quality 必须在1-100之间,当前值: %d", q)
	}
	return nil
}

func validWait(w browser.WaitCondition) bool {
	switch w {
	case browser.WaitNetworkIdle, browser.WaitNetworkAlmostIdle, browser.WaitLoad,
		browser.WaitDOMContentLoaded, browser.WaitNone:
		return true
	}
	return false
}

// MergeCLIFlags 合并命令行参数到配置,命令行参数优先于配置文件
func (c *Config) MergeCLIFlags(addr string, jobTimeout time.Duration, remoteURL string, headless bool, logLevel string) {
	if addr != "" {
		c.Server.Addr = addr
	}
	if jobTimeout > 0 {
		c.Queue.JobTimeout = jobTimeout
	}
	if remoteURL != "" {
		c.Browser.RemoteURL = remoteURL
	}
	c.Browser.Headless = headless
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
}

// LogConfig 转换为日志配置
func (c *Config) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:      c.Logging.Level,
		LogDir:     c.Logging.LogDir,
		MaxSize:    c.Logging.Rotation.MaxSize,
		MaxBackups: c.Logging.Rotation.MaxBackups,
		MaxAge:     c.Logging.Rotation.MaxAge,
		Compress:   c.Logging.Rotation.Compress,
	}
}

// RodOptions 转换为浏览器启动参数
func (c BrowserConfig) RodOptions() browser.RodOptions {
	return browser.RodOptions{
		Bin:       c.Bin,
		RemoteURL: c.RemoteURL,
		Headless:  c.Headless,
		NoSandbox: c.NoSandbox,
		Flags:     c.Flags,
	}
}

// Options 转换为会话池配置
func (c PoolConfig) Options() pool.Config {
	return pool.Config{
		AcquireTimeout: c.AcquireTimeout,
		MaxAge:         c.MaxAge,
		PingTimeout:    c.PingTimeout,
	}
}

// Options 转换为队列配置
func (c QueueConfig) Options() queue.Config {
	return queue.Config{JobTimeout: c.JobTimeout, MaxWaiting: c.MaxWaiting}
}

// Options 转换为监督器配置
func (c SupervisorConfig) Options() supervisor.Config {
	return supervisor.Config{
		MaxAttempts:       c.MaxAttempts,
		Cooldown:          c.Cooldown,
		LaunchTimeout:     c.LaunchTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
	}
}

// Options 转换为看门狗配置
func (c WatchdogConfig) Options() watchdog.Config {
	const mb = 1024 * 1024
	return watchdog.Config{
		Interval: c.Interval,
		Thresholds: watchdog.Thresholds{
			Warning:   c.WarningMB * mb,
			Critical:  c.CriticalMB * mb,
			Emergency: c.EmergencyMB * mb,
		},
		SustainedSamples: c.SustainedSamples,
		GCInterval:       c.GCInterval,
	}
}

// Options 转换为流水线配置,userAgent与headers来自HeaderManager
func (c PipelineConfig) Options(userAgent string, headers map[string]string) pipeline.Config {
	ladder := make([]pipeline.Strategy, 0, len(c.Ladder))
	for _, st := range c.Ladder {
		ladder = append(ladder, pipeline.Strategy{Wait: browser.WaitCondition(st.Wait), Timeout: st.Timeout})
	}
	resources := make([]browser.ResourceType, 0, len(c.AllowedResources))
	for _, rt := range c.AllowedResources {
		resources = append(resources, browser.ResourceType(rt))
	}
	if userAgent == "" {
		userAgent = c.UserAgent
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	def := pipeline.DefaultConfig()
	return pipeline.Config{
		AllowedSchemes:   c.AllowedSchemes,
		ViewportWidth:    c.ViewportWidth,
		ViewportHeight:   c.ViewportHeight,
		UserAgent:        userAgent,
		ExtraHeaders:     headers,
		AllowedResources: resources,
		ConfigureRetries: c.ConfigureRetries,
		Ladder:           ladder,
		RecoveryTimeout:  c.RecoveryTimeout,

		LoginNavigateTimeout: c.LoginNavigateTimeout,
		LoginStepTimeout:     c.LoginStepTimeout,
		PostLoginWait:        c.PostLoginWait,
		LoginSuccessRatio:    c.LoginSuccessRatio,
		ImplicitLoginURLs:    c.ImplicitLoginURLs,

		ScrollSteps:     c.ScrollSteps,
		ScrollMinDelay:  def.ScrollMinDelay,
		ScrollMaxDelay:  def.ScrollMaxDelay,
		CookieSelectors: c.CookieSelectors,
		CookieKeywords:  c.CookieKeywords,

		CaptureAttempts: c.CaptureAttempts,
		CaptureTimeout:  c.CaptureTimeout,
		Quality:         c.Quality,
		FallbackScale:   c.FallbackScale,
		FallbackQuality: c.FallbackQuality,
	}
}
