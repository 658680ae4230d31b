package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/soundchain/notifier/pkg/config"
)

func newTestLogger(buf *bytes.Buffer) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		LevelKey:      "level",
		MessageKey:    "message",
		CallerKey:     "caller",
		StacktraceKey: "stacktrace",
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewCore(NewScalyrEncoder(encoderConfig, "indexer-1"), zapcore.AddSync(buf), zapcore.InfoLevel)
	return zap.New(core)
}

func TestInitLogger(t *testing.T) {
	oldLogger := Logger
	defer func() { Logger = oldLogger }()

	for _, cfg := range []config.LoggingConfig{
		{Level: "INFO", Format: "json", ScalyrFormat: true},
		{Level: "debug", Format: "json"},
		{Level: "bogus", Format: "text"},
	} {
		if err := InitLogger(&cfg); err != nil {
			t.Fatalf("Failed to initialize logger %+v: %v", cfg, err)
		}
		if Logger == nil {
			t.Fatalf("Logger not set for %+v", cfg)
		}
	}
}

func TestScalyrEncoder(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	logger.With(zap.String("component", "indexer"), zap.Int64("cursor", 100)).Info("test message",
		zap.String("key", "value"),
		zap.Int("events", 3),
		zap.Bool("ok", true),
		zap.Duration("took", 1500*time.Millisecond),
		zap.Float64("ratio", 0.5),
		zap.Error(errors.New("boom")),
	)

	var logObj map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logObj); err != nil {
		t.Fatalf("Failed to parse JSON: %v", err)
	}

	tests := []struct {
		key  string
		want interface{}
	}{
		{"message", "test message"},
		{"level", "info"},
		{"key", "value"},
		{"component", "indexer"},
		{"cursor", float64(100)},
		{"events", float64(3)},
		{"ok", true},
		{"took", "1.5s"},
		{"ratio", 0.5},
		{"error", "boom"},
		{"serverHost", "indexer-1"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if logObj[tt.key] != tt.want {
				t.Errorf("Expected %s=%v, got: %v", tt.key, tt.want, logObj[tt.key])
			}
		})
	}

	if _, ok := logObj["timestamp"]; !ok {
		t.Error("Expected 'timestamp' field in log output")
	}
}

func TestScalyrEncoderOneLinePerEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	logger.Info("first")
	logger.Info("second")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d: %q", len(lines), buf.String())
	}
}
