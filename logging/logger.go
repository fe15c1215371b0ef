// Package logging builds the zap loggers every hive system logs through.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/najoast/hive/config"
)

// New builds a logger from cfg. The returned AtomicLevel can be used to
// change the level at runtime.
func New(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(ToZapLevel(cfg.Level))

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoding := cfg.Format
	switch encoding {
	case "json":
	case "console", "":
		encoding = "console"
		if cfg.Color {
			encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}
	default:
		return nil, level, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	output := cfg.Output
	if output == "" {
		output = "stderr"
	}

	zapConfig := zap.Config{
		Level:            level,
		Development:      false,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
		DisableCaller:    true,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, level, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, level, nil
}

// ToZapLevel maps a configured level to its zap counterpart.
func ToZapLevel(level config.LogLevel) zapcore.Level {
	switch level {
	case config.LogLevelDebug:
		return zap.DebugLevel
	case config.LogLevelInfo:
		return zap.InfoLevel
	case config.LogLevelWarn:
		return zap.WarnLevel
	case config.LogLevelError:
		return zap.ErrorLevel
	case config.LogLevelFatal:
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}
