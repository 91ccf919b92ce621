// Package logger builds the service's zap logger.
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Environment string // "development" or "production"

	BetterStackSourceToken string
	BetterStackUploadURL   string
}

// New returns a development or production logger. With a Better Stack token it
// also ships entries there; in development they go to app.log instead. The
// returned function flushes everything and must be called before exit.
func New(opts Options) (*zap.Logger, func(), error) {
	var (
		base *zap.Logger
		err  error
	)
	if opts.Environment == "development" {
		base, err = zap.NewDevelopment()
	} else {
		base, err = zap.NewProduction()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}

	if opts.BetterStackSourceToken == "" {
		return base, func() { base.Sync() }, nil
	}

	bs := BetterStackOptions{
		SourceToken: opts.BetterStackSourceToken,
		UploadURL:   opts.BetterStackUploadURL,
	}
	var file *os.File
	if opts.Environment == "development" {
		file, err = os.OpenFile("app.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			base.Error("Failed to open log file, using stderr", zap.Error(err))
			bs.File = os.Stderr
		} else {
			bs.File = file
		}
		bs.Level = zapcore.DebugLevel
	}

	core, flush := NewBetterStackCore(bs)
	logger := base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, core)
	}))
	return logger, func() {
		logger.Sync()
		flush()
		if file != nil {
			file.Close()
		}
	}, nil
}
