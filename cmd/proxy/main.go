package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-proxy/internal/config"
)

var (
	configFile      string
	shutdownTimeout time.Duration
)

func init() {
	// 解析命令行参数
	flag.StringVar(&configFile, "config", "", "配置文件路径")
	flag.DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "优雅关闭超时时间")
}

func main() {
	flag.Parse()

	// 加载配置
	appConfig, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err := config.NewLoggerWithLevel(appConfig.Log.Development, appConfig.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// 打印启动信息
	logger.Info("Kong Proxy Starting...",
		zap.String("version", "0.1.0"),
		zap.String("strategy", appConfig.Balancer.Strategy),
		zap.String("breaker_granularity", appConfig.Breaker.Granularity),
		zap.Int("proxy_port", appConfig.API.Proxy.Port),
		zap.Int("management_api_port", appConfig.API.Management.Port),
		zap.Int("registration_api_port", appConfig.API.Registration.Port),
		zap.Bool("dns_enabled", appConfig.DNS.Enabled),
		zap.Bool("etcd_enabled", appConfig.Etcd.Enabled),
	)

	a, err := newApp(appConfig, logger)
	if err != nil {
		logger.Error("初始化失败", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.start(ctx); err != nil {
		logger.Error("启动失败", zap.Error(err))
		a.shutdown(context.Background())
		os.Exit(1)
	}

	// 等待信号以优雅关闭
	<-ctx.Done()
	logger.Info("接收到关闭信号，正在优雅关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.shutdown(shutdownCtx)

	logger.Info("已关闭")
}
