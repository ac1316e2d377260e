package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wisefido-datum/internal/config"
	"wisefido-datum/internal/service"
	logpkg "wisefido-datum/owl-common/logger"

	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 加载配置：CONFIG_FILE 指定 YAML 文件，环境变量覆盖文件
	var (
		cfg *config.Config
		err error
	)
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	log, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-datum")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting wisefido-datum service")

	// 创建服务
	svc, err := service.NewNodeService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create datum node", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动服务并等待退出信号
	if err := svc.Start(ctx); err != nil {
		log.Error("Failed to start datum node", zap.Error(err))
	} else {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	}
	cancel()

	// 优雅关闭
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := svc.Stop(stopCtx); err != nil {
		log.Error("Error stopping service", zap.Error(err))
	}

	log.Info("Service stopped")
}
