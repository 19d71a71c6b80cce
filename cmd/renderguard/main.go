package main

import (
	"fmt"
	"os"

	"github.com/RecoveryAshes/RenderGuard/internal/core"
	"github.com/RecoveryAshes/RenderGuard/internal/utils"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 命令行参数
var (
	// 全局参数
	configFile string
	verbose    bool
	logLevel   string
	remoteURL  string
	headless   bool

	// HTTP头部参数
	headers        []string // 自定义HTTP请求头
	validateConfig bool     // 验证头部配置

	// 运行时配置,在PersistentPreRunE中加载
	appConfig *core.Config
)

var rootCmd = &cobra.Command{
	Use:   "renderguard",
	Short: "无头浏览器截图服务",
	Long: `RenderGuard - 基于无头浏览器的网页截图服务

单个浏览器实例串行处理截图任务,支持:
  • 分级导航策略与恢复
  • 按站点自动登录
  • 截图失败时降级分辨率
  • 浏览器崩溃自动重启(有上限)
  • 内存看门狗
  • HTTP接口与批量命令行截图

示例:
  # 启动HTTP服务
  renderguard serve --addr :8080

  # 单个URL截图
  renderguard shot -u https://example.com -o example.jpg

  # 批量截图
  renderguard shot -f urls.txt -o shots/

  # 通过命令行附加请求头
  renderguard shot -u https://example.com -H "Accept-Language: zh-CN"

  # 验证请求头配置
  renderguard --validate-config

版本: ` + Version + `
构建时间: ` + BuildTime,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 加载配置
		config, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		// 命令行参数覆盖配置文件
		useHeadless := config.Browser.Headless
		if cmd.Flags().Changed("headless") {
			useHeadless = headless
		}
		config.MergeCLIFlags("", 0, remoteURL, useHeadless, logLevel)
		if verbose && logLevel == "" {
			config.Logging.Level = "debug"
		}

		if err := utils.InitLogger(config.LogConfig()); err != nil {
			return fmt.Errorf("初始化日志系统失败: %w", err)
		}

		if verbose {
			utils.Info("详细模式已启用")
		}

		appConfig = config
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if !validateConfig {
			return cmd.Help()
		}

		utils.Info("🔍 验证HTTP头部配置...")
		headerManager, err := core.NewHeaderManager(appConfig.Pipeline.HeadersFile, headers)
		if err != nil {
			return fmt.Errorf("创建HTTP头部管理器失败: %w", err)
		}
		if err := headerManager.LoadConfig(); err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}
		if err := headerManager.Validate(); err != nil {
			return fmt.Errorf("配置验证失败: %w", err)
		}

		// 显示合并后的头部(脱敏)
		safeHeaders := headerManager.GetSafeHeaders()
		utils.Info("✅ 配置验证通过!")
		utils.Infof("当前有效的HTTP头部 (%d个):", len(safeHeaders))
		for name, value := range safeHeaders {
			utils.Infof("  %s: %s", name, value)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	// 不需要加载配置
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("RenderGuard %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

// newService 根据当前配置与命令行请求头创建服务
func newService() (*core.Service, error) {
	headerManager, err := core.NewHeaderManager(appConfig.Pipeline.HeadersFile, headers)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP头部管理器失败: %w", err)
	}
	svc, err := core.NewService(appConfig, core.Options{Headers: headerManager})
	if err != nil {
		return nil, fmt.Errorf("创建服务失败: %w", err)
	}
	return svc, nil
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "详细输出模式")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&remoteURL, "remote", "", "连接已运行浏览器的DevTools地址,为空时本地启动")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", true, "无头浏览器模式")

	// HTTP头部参数
	rootCmd.PersistentFlags().StringSliceVarP(&headers, "header", "H", []string{}, "自定义HTTP头部,格式: 'Name: Value',可多次指定")
	rootCmd.Flags().BoolVar(&validateConfig, "validate-config", false, "验证请求头配置正确性")

	// 添加子命令
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(shotCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
