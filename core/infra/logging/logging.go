package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	envLogLevel  = "LOG_LEVEL"
	envLogFormat = "LOG_FORMAT"
)

var (
	mu   sync.RWMutex
	base *zap.Logger
)

func init() {
	lg, err := New(os.Getenv(envLogLevel), os.Getenv(envLogFormat))
	if err != nil {
		lg = zap.NewNop()
	}
	base = lg
}

// New builds a zap logger for the given level ("debug", "info", "warn", "error")
// and format ("json" or "console").
func New(level, format string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if strings.TrimSpace(level) != "" {
		if err := lvl.Set(strings.ToLower(strings.TrimSpace(level))); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
	}
	cfg := zap.NewProductionConfig()
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	return cfg.Build(zap.AddCallerSkip(2))
}

// Configure replaces the process logger. Safe to call before serving traffic.
func Configure(level, format string) error {
	lg, err := New(level, format)
	if err != nil {
		return err
	}
	SetLogger(lg)
	return nil
}

// SetLogger swaps the underlying logger; tests use zap.NewNop or zaptest.
func SetLogger(lg *zap.Logger) {
	if lg == nil {
		lg = zap.NewNop()
	}
	mu.Lock()
	old := base
	base = lg
	mu.Unlock()
	if old != nil {
		_ = old.Sync()
	}
}

// L returns the current logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered entries.
func Sync() {
	_ = L().Sync()
}

// Debug logs a message with key/value fields under a component name.
func Debug(component, msg string, kv ...interface{}) {
	emit(zapcore.DebugLevel, component, msg, kv)
}

// Info logs a message with key/value fields using a consistent prefix.
func Info(component, msg string, kv ...interface{}) {
	emit(zapcore.InfoLevel, component, msg, kv)
}

// Warn logs a warning with key/value fields.
func Warn(component, msg string, kv ...interface{}) {
	emit(zapcore.WarnLevel, component, msg, kv)
}

// Error logs an error message with key/value fields using a consistent prefix.
func Error(component, msg string, kv ...interface{}) {
	emit(zapcore.ErrorLevel, component, msg, kv)
}

func emit(level zapcore.Level, component, msg string, kv []interface{}) {
	lg := L()
	if ce := lg.Check(level, msg); ce != nil {
		ce.Write(fields(component, kv)...)
	}
}

func fields(component string, kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2+1)
	out = append(out, zap.String("component", strings.ToLower(component)))
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	for i := 0; i < len(kv); i += 2 {
		key := strings.TrimSpace(fmt.Sprint(kv[i]))
		switch v := kv[i+1].(type) {
		case error:
			out = append(out, zap.NamedError(key, v))
		default:
			out = append(out, zap.Any(key, v))
		}
	}
	return out
}
