// Package logging builds the service's zap logger and the fields shared by
// cycle and target log lines.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/tgscan/internal/scan"
)

const (
	cycleKey  = "cycle_id"
	targetKey = "target"
)

// New builds a console logger with colored levels for development and a JSON
// logger otherwise. Both use "ts" as the time key.
func New(development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// CycleID tags a log line with a cycle identifier.
func CycleID(id string) zap.Field {
	return zap.String(cycleKey, id)
}

// Target tags a log line with the target being scanned.
func Target(t scan.Target) zap.Field {
	return zap.String(targetKey, t.String())
}
