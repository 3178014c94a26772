// Package logger builds the zap loggers shared by the server and the CLI.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a sugared logger. jsonOutput selects structured production
// output; otherwise a compact console encoder is used.
func New(jsonOutput bool) (*zap.SugaredLogger, error) {
	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}
		zapLogger, err := cfg.Build()
		if err != nil {
			return nil, err
		}
		return zapLogger.Sugar(), nil
	}

	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(os.Stderr),
		zap.InfoLevel,
	)
	return zap.New(core).Sugar(), nil
}

// Nop returns a logger that discards everything, for tests and optional wiring
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// OrNop returns log, or a no-op logger when log is nil
func OrNop(log *zap.SugaredLogger) *zap.SugaredLogger {
	if log == nil {
		return Nop()
	}
	return log
}
