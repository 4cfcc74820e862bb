// Package logs is a thin wrapper around zap, built once in
// cmd/relay/main.go and threaded by value into every component
// constructor. There is no package-level logger singleton.
package logs

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the relay's structured logger type.
type Logger = *zap.Logger

// Field is a single structured log field.
type Field = zap.Field

// New builds a production-style JSON logger at the given level (any
// level name zap recognizes, e.g. "debug", "info", "warn", "error";
// an unrecognized name falls back to "info").
func New(level string) Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

	logger, err := cfg.Build()
	if err != nil {
		// Falling back to a no-op logger keeps startup from failing
		// over a logging misconfiguration; this should never happen
		// with the zap production config.
		return zap.NewNop()
	}
	return logger
}

func parseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// F builds a structured field. Thin convenience wrapper so call sites
// don't import zap directly.
func F(key string, val interface{}) Field {
	return zap.Any(key, val)
}

// Duration is a typed convenience for timing fields.
func Duration(key string, d time.Duration) Field {
	return zap.Duration(key, d)
}
