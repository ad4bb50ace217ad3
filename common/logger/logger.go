package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options Logger 配置
// Level: "debug", "info", "warn", "error" (默认: "info")
// Format: "json" 或 "console" (默认: "json")
// ServiceName: 服务名称，作为全局字段输出
// File: 非空时额外写入滚动日志文件
type Options struct {
	Level       string
	Format      string
	ServiceName string

	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ParseLevel 解析日志级别，无法识别时返回 info
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewLogger 创建新的Logger实例
// extra: 额外挂载的 core（例如持久化到数据库的日志面板），与主输出 tee 在一起
func NewLogger(opts Options, extra ...zapcore.Core) (*zap.Logger, error) {
	base, err := NewCore(opts)
	if err != nil {
		return nil, err
	}

	cores := append([]zapcore.Core{base}, extra...)
	baseLogger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	// 如果提供了服务名称，添加为全局字段
	if opts.ServiceName != "" {
		baseLogger = baseLogger.With(zap.String("service_name", opts.ServiceName))
	}

	// 添加主机名（可选，用于分布式系统）
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		baseLogger = baseLogger.With(zap.String("hostname", hostname))
	}

	return baseLogger, nil
}

// NewCore 创建主输出 core（stdout + 可选滚动文件）
func NewCore(opts Options) (zapcore.Core, error) {
	level := zap.NewAtomicLevelAt(ParseLevel(opts.Level))

	var encoderConfig zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if opts.Format == "console" {
		// 开发模式（控制台输出）
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		// 生产模式（JSON输出）
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	// 输出到标准输出（便于Docker和日志收集器捕获）
	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stdout)}
	if opts.File != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}))
	}

	return zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), level), nil
}
