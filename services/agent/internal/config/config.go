package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// ServerURL is the sync service base URL.
	ServerURL string
	// Token is a ready bearer token. When empty, one is minted from
	// JWTSecret for UserID (development setups).
	Token     string
	JWTSecret string
	UserID    string

	QueuePath  string
	Interval   time.Duration
	MaxBatch   int
	MaxRetries int
	// LocalAddr is where the on-device API listens; empty disables it.
	LocalAddr string
	LogLevel  string
	LogFormat string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ServerURL: strings.TrimSpace(os.Getenv("AGENT_SERVER_URL")),
		Token:     strings.TrimSpace(os.Getenv("AGENT_TOKEN")),
		JWTSecret: strings.TrimSpace(os.Getenv("JWT_SECRET")),
		UserID:    strings.TrimSpace(os.Getenv("AGENT_USER_ID")),
		QueuePath: strings.TrimSpace(os.Getenv("AGENT_QUEUE_PATH")),
		LocalAddr: strings.TrimSpace(os.Getenv("AGENT_LOCAL_ADDR")),
		LogLevel:  strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		LogFormat: strings.TrimSpace(os.Getenv("LOG_FORMAT")),
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost:8080"
	}
	if cfg.Token == "" && (cfg.JWTSecret == "" || cfg.UserID == "") {
		return Config{}, errors.New("AGENT_TOKEN or JWT_SECRET with AGENT_USER_ID is required")
	}
	if cfg.QueuePath == "" {
		cfg.QueuePath = "data/learnsync-queue.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Interval = 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("AGENT_SYNC_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Interval = d
		}
	}
	cfg.MaxBatch = envInt("AGENT_MAX_BATCH", 500)
	cfg.MaxRetries = envInt("AGENT_MAX_RETRIES", 5)
	return cfg, nil
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
