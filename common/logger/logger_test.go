package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decibel.log")

	logger, err := NewLogger(Options{Level: "info", Format: "json", ServiceName: "decibel-monitor", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("Report saved", zap.Int64("device_id", 7))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, `"msg":"Report saved"`) {
		t.Errorf("Expected message in log file, got %s", content)
	}
	if !strings.Contains(content, `"service_name":"decibel-monitor"`) {
		t.Errorf("Expected service_name field, got %s", content)
	}
	if strings.Contains(content, "hidden") {
		t.Errorf("Debug entry should be filtered at info level")
	}
}

func TestNewLogger_TeesExtraCores(t *testing.T) {
	extra, logs := observer.New(zapcore.WarnLevel)

	logger, err := NewLogger(Options{Level: "error", Format: "console"}, extra)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Info("ignored")
	logger.Warn("Viewer send queue full, disconnected")

	if logs.Len() != 1 {
		t.Fatalf("Expected 1 entry in extra core, got %d", logs.Len())
	}
	if _, ok := logs.All()[0].ContextMap()["hostname"]; !ok {
		t.Errorf("Expected hostname field on teed entry")
	}
}
