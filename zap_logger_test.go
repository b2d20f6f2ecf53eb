package s3orm

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewZapLoggerFromSugar(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	zapLogger := NewZapLoggerFromSugar(zap.New(core).Sugar())

	zapLogger.Info("test message", "key", "value")
	if recorded.Len() != 1 {
		t.Errorf("expected 1 log entry, got %d", recorded.Len())
	}
}

func TestNewProductionZapLogger(t *testing.T) {
	logger, err := NewProductionZapLogger("debug")
	if err != nil {
		t.Fatalf("failed to create production logger: %v", err)
	}
	logger.Debug("debug message", "key", "value")
	if err := logger.Sync(); err != nil {
		t.Logf("sync returned error (expected in tests): %v", err)
	}

	if _, err := NewProductionZapLogger("chatty"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for unknown level, got %v", err)
	}
}

func TestNewDevelopmentZapLogger(t *testing.T) {
	logger, err := NewDevelopmentZapLogger()
	if err != nil {
		t.Fatalf("failed to create development logger: %v", err)
	}
	logger.Info("info message", "key", "value")
}

func TestZapLoggerLevels(t *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	zapLogger := NewZapLogger(zap.New(core))

	zapLogger.Debug("debug message", "key", "value")
	zapLogger.Info("info message", "key", "value")
	zapLogger.Warn("warn message", "key", "value")
	zapLogger.Error("error message", "key", "value")

	entries := recorded.All()
	if len(entries) != 4 {
		t.Fatalf("expected 4 log entries, got %d", len(entries))
	}
	want := []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	for i, lvl := range want {
		if entries[i].Level != lvl {
			t.Errorf("entry %d: expected %v, got %v", i, lvl, entries[i].Level)
		}
	}
}

func TestZapLoggerFields(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	zapLogger := NewZapLogger(zap.New(core))

	zapLogger.Info("record saved",
		"model", "users",
		"id", 42,
		"unique", true,
	)

	if recorded.Len() != 1 {
		t.Fatalf("expected 1 log entry, got %d", recorded.Len())
	}

	ctx := recorded.All()[0].ContextMap()
	if ctx["model"] != "users" {
		t.Errorf("expected model 'users', got '%v'", ctx["model"])
	}
	if ctx["id"] != int64(42) {
		t.Errorf("expected id 42, got '%v'", ctx["id"])
	}
	if ctx["unique"] != true {
		t.Errorf("expected unique true, got '%v'", ctx["unique"])
	}
}

func TestZapLoggerImplementsInterface(t *testing.T) {
	var _ Logger = &ZapLogger{}
}
