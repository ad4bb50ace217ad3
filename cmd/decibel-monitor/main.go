package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	logcommon "decibel-monitor/common/logger"
	"decibel-monitor/internal/config"
	"decibel-monitor/internal/service"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const version = "1.0.0"

const shutdownTimeout = 30 * time.Second

func main() {
	var envFile string
	var logLevel string

	flagSet := pflag.NewFlagSet("decibel-monitor", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", "", "load environment variables from this file (default: ./.env if present)")
	flagSet.StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	showVersion := flagSet.Bool("version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *showVersion {
		fmt.Println("decibel-monitor", version)
		return
	}

	// 加载配置
	cfg, err := config.Load(envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	// 初始化Logger
	logger, err := logcommon.NewLogger(logcommon.Options{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "decibel-monitor",
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting decibel-monitor service",
		zap.String("version", version),
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("topic", cfg.Ingest.Topic),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 创建服务
	monitor, err := service.NewMonitorService(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create monitor service", zap.Error(err))
	}

	// 启动服务
	if err := monitor.Start(ctx); err != nil {
		logger.Error("Failed to start monitor service", zap.Error(err))
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		monitor.Stop(stopCtx)
		stopCancel()
		os.Exit(1)
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := monitor.Stop(stopCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Service stopped")
}
