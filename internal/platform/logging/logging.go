package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects level, encoding and the service field.
type Options struct {
	// Level is a zap level name. Unknown values fall back to info.
	Level string
	// Format is "json" (default) or "console".
	Format string
	// Service, when set, is attached to every entry.
	Service string
}

// New builds the default JSON logger.
func New(level, service string) (*zap.Logger, error) {
	return Build(Options{Level: level, Service: service})
}

// Build builds a production logger without sampling, so every per-batch
// sync line is kept regardless of volume.
func Build(opts Options) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(strings.ToLower(strings.TrimSpace(opts.Level))); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch f := strings.ToLower(strings.TrimSpace(opts.Format)); f {
	case "", "json":
		cfg.Encoding = "json"
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if s := strings.TrimSpace(opts.Service); s != "" {
		log = log.With(zap.String("service", s))
	}
	return log, nil
}
