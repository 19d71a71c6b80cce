package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/core"
	"github.com/RecoveryAshes/RenderGuard/internal/server"
	"github.com/RecoveryAshes/RenderGuard/internal/tunnel"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// serve参数
var (
	listenAddr string
	jobTimeout time.Duration
	noTunnel   bool
)

// errFatal 浏览器无法恢复导致服务退出
var errFatal = errors.New("浏览器重启次数超过上限")

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动HTTP截图服务",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ValidateServeFlags(listenAddr, jobTimeout); err != nil {
			return err
		}
		appConfig.MergeCLIFlags(listenAddr, jobTimeout, "", appConfig.Browser.Headless, "")
		if noTunnel {
			appConfig.Tunnel.Enabled = false
		}

		// 设置信号处理(Ctrl+C优雅退出)
		sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancelCause(sigCtx)
		defer cancel(nil)

		svc, err := newService()
		if err != nil {
			return err
		}
		metrics := server.NewMetrics(svc.Status)
		svc.AddObserver(metrics)
		svc.OnFatal(func(err error) {
			cancel(fmt.Errorf("%w: %v", errFatal, err))
		})

		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("启动浏览器失败: %w", err)
		}

		srv := server.New(serverConfig(appConfig.Server), svc, metrics)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
		g.Go(func() error {
			return svc.Run(gctx)
		})
		if appConfig.Tunnel.Enabled {
			g.Go(func() error {
				runTunnel(gctx, appConfig.Tunnel, appConfig.Server.Addr, svc)
				return nil
			})
		}
		runErr := g.Wait()

		log.Info().Msg("正在关闭服务...")
		shutdownCtx, done := context.WithTimeout(context.Background(), appConfig.Queue.ShutdownTimeout)
		defer done()
		_ = svc.Shutdown(shutdownCtx)

		if cause := context.Cause(ctx); errors.Is(cause, errFatal) {
			return cause
		}
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return nil
	},
}

// runTunnel 建立隧道并在ctx结束时断开,失败只记录日志
func runTunnel(ctx context.Context, cfg core.TunnelConfig, addr string, svc *core.Service) {
	port, err := ListenPort(addr)
	if err != nil {
		log.Warn().Err(err).Msg("无法确定本地端口,跳过隧道")
		return
	}

	tun := tunnel.NewExecTunnel(cfg.Command, cfg.Args, cfg.Timeout)
	publicURL, err := tun.Connect(ctx, port, cfg.Token)
	if err != nil {
		log.Warn().Err(err).Msg("隧道建立失败,仅在本地提供服务")
		return
	}
	svc.SetPublicURL(publicURL)
	log.Info().Str("public_url", publicURL).Msg("隧道已建立")

	<-ctx.Done()
	if err := tun.Disconnect(); err != nil {
		log.Warn().Err(err).Msg("断开隧道失败")
	}
	svc.SetPublicURL("")
}

func serverConfig(c core.ServerConfig) server.Config {
	return server.Config{
		Addr:            c.Addr,
		RateLimit:       c.RateLimit,
		RateBurst:       c.RateBurst,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		ShutdownTimeout: c.ShutdownTimeout,
	}
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "HTTP监听地址,如 :8080 (默认读取配置)")
	serveCmd.Flags().DurationVar(&jobTimeout, "job-timeout", 0, "单个任务超时时间 (默认读取配置)")
	serveCmd.Flags().BoolVar(&noTunnel, "no-tunnel", false, "不建立外网隧道")
}
