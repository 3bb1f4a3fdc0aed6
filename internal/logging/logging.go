// Package logging builds the zap logger shared by the server and the CLI.
package logging

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/config"
)

// New returns a logger for cfg. The json format uses the production encoder
// config, console the development one.
func New(cfg config.LogConfig, opts ...zap.Option) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return nil, errors.Wrapf(err, "log level %q", cfg.Level)
	}
	var zc zap.Config
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
	case "json":
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, errors.Errorf("unknown log format %q", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = level > zapcore.DebugLevel
	logger, err := zc.Build(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return logger, nil
}

// Must is New for main packages.
func Must(cfg config.LogConfig, opts ...zap.Option) *zap.Logger {
	logger, err := New(cfg, opts...)
	if err != nil {
		panic(err)
	}
	return logger
}
