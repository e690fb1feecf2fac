// Package logging provides structured logging for the offline core.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide logger used by the cmd entrypoints. Library
// components take their own *zap.Logger via constructors; Log exists so
// top-level wiring has somewhere to report before the graph is built.
var Log = zap.NewNop()

// Init builds the global logger from config values.
// Level is one of debug/info/warn/error; format is json or console.
func Init(level, format string) error {
	logger, err := New(level, format)
	if err != nil {
		return err
	}
	Log = logger
	return nil
}

// New builds a configured logger for injection into components.
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	switch format {
	case "", "json":
		cfg.Encoding = "json"
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	return cfg.Build()
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() {
	_ = Log.Sync()
}
