package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerWithLevel(t *testing.T) {
	logger, err := NewLoggerWithLevel("debug")
	if err != nil {
		t.Fatalf("NewLoggerWithLevel: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("debug level should be enabled")
	}

	fallback, err := NewLoggerWithLevel("loud")
	if err != nil {
		t.Fatalf("NewLoggerWithLevel: %v", err)
	}
	if fallback.Core().Enabled(zapcore.DebugLevel) || !fallback.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("unknown level should fall back to info")
	}
}
