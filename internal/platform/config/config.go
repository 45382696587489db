package config

import (
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type HTTPConfig struct {
	Addr string
}

type AppConfig struct {
	ServiceName string
	LogLevel    string
	LogFormat   string
	Env         string
	DatabaseURL string
	HTTP        HTTPConfig
}

// IsProd reports whether APP_ENV is "production".
func (c AppConfig) IsProd() bool {
	return strings.EqualFold(c.Env, "production")
}

// Load reads the shared service settings from the environment.
// A .env file in the working directory is applied first when present;
// variables already set in the environment win over it.
func Load() (AppConfig, error) {
	_ = godotenv.Load()

	cfg := AppConfig{
		ServiceName: strings.TrimSpace(os.Getenv("SERVICE_NAME")),
		LogLevel:    strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		LogFormat:   strings.TrimSpace(os.Getenv("LOG_FORMAT")),
		Env:         strings.TrimSpace(os.Getenv("APP_ENV")),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		HTTP: HTTPConfig{
			Addr: strings.TrimSpace(os.Getenv("HTTP_ADDR")),
		},
	}
	if cfg.ServiceName == "" {
		return AppConfig{}, errors.New("SERVICE_NAME is required")
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	return cfg, nil
}
