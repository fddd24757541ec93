package core

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig selects the logger encoding and level.
type LogConfig struct {
	Level       string
	Format      string // json or console
	Environment string
	Version     string
}

// NewAppLogger builds the process logger. Every component receives a named
// child of it.
func NewAppLogger(cfg LogConfig) (*zap.SugaredLogger, error) {
	var zc zap.Config
	if strings.EqualFold(cfg.Format, "console") {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.MessageKey = "message"

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil && cfg.Level != "" {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if cfg.Level == "" {
		level = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	fields := []interface{}{"service", "eftpos-bridge"}
	if cfg.Environment != "" {
		fields = append(fields, "environment", cfg.Environment)
	}
	if cfg.Version != "" {
		fields = append(fields, "version", cfg.Version)
	}
	return logger.Sugar().With(fields...), nil
}

// LogFielder is implemented by errors that carry structured context.
type LogFielder interface {
	LogFields() map[string]interface{}
}

// ErrorFields flattens err's LogFields, if any, into key/value pairs for
// the sugared logger's *w methods.
func ErrorFields(err error) []interface{} {
	var lf LogFielder
	if !errors.As(err, &lf) {
		return []interface{}{"error", err}
	}
	out := make([]interface{}, 0, 8)
	for k, v := range lf.LogFields() {
		out = append(out, k, v)
	}
	return out
}
