package main

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/RecoveryAshes/RenderGuard/internal/core"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/shirou/gopsutil/v3/mem"
)

func main() {
	fmt.Println("==============================================")
	fmt.Println("  RenderGuard 环境验证")
	fmt.Println("==============================================")
	fmt.Println()

	allOK := true

	// 检查Go版本
	goVersion := runtime.Version()
	fmt.Printf("✅ Go版本: %s\n", goVersion)
	if strings.HasPrefix(goVersion, "go1.") && goVersion < "go1.24" {
		fmt.Println("⚠️  警告: 建议使用Go 1.24+版本")
	}

	// 检查操作系统
	fmt.Printf("✅ 操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)

	// 检查内存,看门狗阈值默认按系统内存推算
	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Printf("✅ 系统内存: %.0f MB (可用 %.0f MB)\n",
			float64(vm.Total)/(1024*1024), float64(vm.Available)/(1024*1024))
		if vm.Total < 1<<30 {
			fmt.Println("⚠️  警告: 系统内存不足1GB,浏览器可能频繁触发内存重启")
		}
	} else {
		fmt.Printf("⚠️  无法读取系统内存: %v\n", err)
	}

	// 检查配置
	fmt.Println()
	fmt.Println("检查配置...")
	cfg, err := core.LoadConfig("")
	if err != nil {
		fmt.Printf("❌ 配置无效: %v\n", err)
		allOK = false
		cfg = core.DefaultConfig()
	} else {
		fmt.Println("✅ 配置加载成功")
	}

	// 检查浏览器
	switch {
	case cfg.Browser.RemoteURL != "":
		fmt.Printf("✅ 使用远程浏览器: %s\n", cfg.Browser.RemoteURL)
	case cfg.Browser.Bin != "":
		if _, err := os.Stat(cfg.Browser.Bin); err == nil {
			fmt.Printf("✅ 浏览器: %s\n", cfg.Browser.Bin)
		} else {
			fmt.Printf("❌ 配置的浏览器不存在: %s\n", cfg.Browser.Bin)
			allOK = false
		}
	default:
		if path, ok := launcher.LookPath(); ok {
			fmt.Printf("✅ 浏览器: %s\n", path)
		} else {
			fmt.Println("⚠️  未找到本地Chromium,首次启动时会自动下载")
		}
	}

	// 检查隧道命令
	if cfg.Tunnel.Enabled {
		if _, err := exec.LookPath(cfg.Tunnel.Command); err == nil {
			fmt.Printf("✅ 隧道命令已安装: %s\n", cfg.Tunnel.Command)
		} else {
			fmt.Printf("❌ 隧道命令未安装: %s\n", cfg.Tunnel.Command)
			allOK = false
		}
	}

	// 检查项目结构
	fmt.Println()
	fmt.Println("检查项目结构...")
	requiredPaths := []string{
		"go.mod",
		"cmd/renderguard",
		"internal/core",
		"internal/pipeline",
		"internal/server",
		"configs",
	}

	for _, path := range requiredPaths {
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("✅ %s\n", path)
		} else {
			fmt.Printf("❌ %s 不存在\n", path)
			allOK = false
		}
	}

	fmt.Println()
	fmt.Println("==============================================")
	if allOK {
		fmt.Println("✅ 环境验证通过!")
		fmt.Println()
		fmt.Println("下一步:")
		fmt.Println("  1. 运行 'go build ./cmd/renderguard' 构建项目")
		fmt.Println("  2. 运行 './renderguard serve' 启动服务")
		fmt.Println("  3. 运行 './renderguard shot -u https://example.com' 测试截图")
		os.Exit(0)
	}
	fmt.Println("❌ 环境验证失败,请解决上述问题。")
	os.Exit(1)
}
