package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = newLogger(defaultLevel(), "console")
)

func defaultLevel() zapcore.Level {
	if os.Getenv("DEBUG") == "true" {
		return zapcore.DebugLevel
	}
	if raw := os.Getenv("MESHRELAY_LOG_LEVEL"); raw != "" {
		if lvl, err := zapcore.ParseLevel(raw); err == nil {
			return lvl
		}
	}
	return zapcore.InfoLevel
}

func newLogger(level zapcore.Level, format string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	// stderr keeps stdout free for the console transport and MCP stdio
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

// Configure replaces the process logger. Level is a zap level name ("debug", "info", ...),
// format is "console" or "json".
func Configure(level, format string) error {
	lvl := defaultLevel()
	if strings.TrimSpace(level) != "" {
		parsed, err := zapcore.ParseLevel(strings.TrimSpace(level))
		if err != nil {
			return fmt.Errorf("parse log level %q: %w", level, err)
		}
		lvl = parsed
	}
	SetLogger(newLogger(lvl, format))
	return nil
}

// SetLogger installs l as the process logger (tests use zap.NewNop or zaptest)
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// L returns the underlying zap logger
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func sugar(subsystem string) *zap.SugaredLogger {
	return L().Sugar().With("subsystem", subsystem)
}

// Info logs an informational message (always shown)
func Info(subsystem, format string, args ...any) {
	sugar(subsystem).Infof(format, args...)
}

// Debug logs a debug message (shown at debug level, or with DEBUG=true)
func Debug(subsystem, format string, args ...any) {
	sugar(subsystem).Debugf(format, args...)
}

// Warn logs a recoverable problem
func Warn(subsystem, format string, args ...any) {
	sugar(subsystem).Warnf(format, args...)
}

// Error logs a failure that was handled but lost something
func Error(subsystem, format string, args ...any) {
	sugar(subsystem).Errorf(format, args...)
}

// Sync flushes buffered log entries
func Sync() {
	_ = L().Sync()
}

// Truncate truncates a string to maxLen and adds ellipsis
func Truncate(s string, maxLen int) string {
	// Replace newlines with spaces for one-line logs
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
