package main

import (
	"fmt"

	"github.com/riverfog7/StarwardUpdater/internal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the zap sink behind the engine's log handler
func newLogger(verbose bool) (*internal.Logger, func()) {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.DisableStacktrace = true

	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}

	logger := internal.NewLogger(func(sender interface{}, log internal.LogStruct) {
		fields := []zap.Field{}
		if sender != nil {
			fields = append(fields, zap.String("sender", fmt.Sprintf("%T", sender)))
		}

		switch log.LogLevel {
		case internal.Debug:
			z.Debug(log.Message, fields...)
		case internal.Warning:
			z.Warn(log.Message, fields...)
		case internal.Error:
			z.Error(log.Message, fields...)
		default:
			z.Info(log.Message, fields...)
		}
	})

	return logger, func() { _ = z.Sync() }
}
