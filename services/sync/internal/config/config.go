package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// JWTSecret verifies bearer tokens (HS256). Required.
	JWTSecret string
	// Timeout bounds one sync call, lock wait included.
	Timeout time.Duration
	// StatusLogLimit is the default number of audit entries on the status endpoint.
	StatusLogLimit int
	// MaxBatch caps progress plus attempt records per request.
	MaxBatch int
	// RedisDSN enables the Redis per-user lock when set.
	RedisDSN string
	LockTTL  time.Duration
	// NATSURL is where the outbox publisher and analytics events go.
	NATSURL string
	// ApplySchema runs schema.sql at startup.
	ApplySchema bool
	DBMaxConns  int32
	// RateLimit is sustained sync calls per second per user; RateBurst is
	// the bucket size.
	RateLimit float64
	RateBurst int
	// ContentLag re-delivers catalog changes this far below the cursor so
	// late-committing edits are not skipped. Zero disables it.
	ContentLag time.Duration
}

func Load() (Config, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}
	natsURL := strings.TrimSpace(os.Getenv("NATS_URL"))
	if natsURL == "" {
		natsURL = "nats://nats:4222"
	}

	cfg := Config{
		JWTSecret: secret,
		RedisDSN:  strings.TrimSpace(os.Getenv("REDIS_DSN")),
		NATSURL:   natsURL,
	}
	var err error
	if cfg.Timeout, err = envDuration("SYNC_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.LockTTL, err = envDuration("SYNC_LOCK_TTL", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.StatusLogLimit, err = envInt("SYNC_STATUS_LOG_LIMIT", 10); err != nil {
		return Config{}, err
	}
	if cfg.MaxBatch, err = envInt("SYNC_MAX_BATCH", 500); err != nil {
		return Config{}, err
	}
	maxConns, err := envInt("DB_MAX_CONNS", 10)
	if err != nil {
		return Config{}, err
	}
	cfg.DBMaxConns = int32(maxConns)
	if cfg.RateBurst, err = envInt("SYNC_RATE_BURST", 20); err != nil {
		return Config{}, err
	}
	cfg.RateLimit = 5
	if v := strings.TrimSpace(os.Getenv("SYNC_RATE_LIMIT")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return Config{}, fmt.Errorf("SYNC_RATE_LIMIT must be a positive number, got %q", v)
		}
		cfg.RateLimit = f
	}
	cfg.ContentLag = 5 * time.Second
	if v := strings.TrimSpace(os.Getenv("SYNC_CONTENT_LAG")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, fmt.Errorf("SYNC_CONTENT_LAG must be a non-negative duration, got %q", v)
		}
		cfg.ContentLag = d
	}
	cfg.ApplySchema, _ = strconv.ParseBool(strings.TrimSpace(os.Getenv("SYNC_APPLY_SCHEMA")))

	if cfg.LockTTL < cfg.Timeout {
		return Config{}, fmt.Errorf("SYNC_LOCK_TTL (%s) must not be shorter than SYNC_TIMEOUT (%s)", cfg.LockTTL, cfg.Timeout)
	}
	return cfg, nil
}

func envInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}
