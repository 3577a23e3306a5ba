package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrMissingDatabaseURL is returned when no database URL is configured.
var ErrMissingDatabaseURL = errors.New("config: DATABASE_URL (database_url) is required")

// Config holds application configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	RedisURL    string `yaml:"redis_url" env:"REDIS_URL"`
	ServerPort  string `yaml:"server_port" env:"SERVER_PORT"`

	CachePath       string        `yaml:"cache_path" env:"CACHE_PATH"`
	FreshnessWindow time.Duration `yaml:"freshness_window" env:"EPG_FRESHNESS_WINDOW"`
	UserAgent       string        `yaml:"user_agent" env:"FETCHER_USER_AGENT"`
	Timeout         time.Duration `yaml:"timeout" env:"FETCHER_TIMEOUT"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"EPG_REFRESH_INTERVAL"`
	RefreshWorkers  int           `yaml:"refresh_workers" env:"EPG_REFRESH_WORKERS"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
	SentryDSN string `yaml:"sentry_dsn" env:"SENTRY_DSN"`

	// Accounts seeds the account/server directory at startup (YAML only).
	Accounts []Account `yaml:"accounts"`
}

// Account is a directory seed entry.
type Account struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Servers []Server `yaml:"servers"`
}

// Server is a provider server seed entry.
type Server struct {
	ID     int64  `yaml:"id"`
	Name   string `yaml:"name"`
	EPGURL string `yaml:"epg_url"`
}

// Defaults returns a Config with every optional setting at its default.
func Defaults() *Config {
	return &Config{
		ServerPort:      "8080",
		CachePath:       defaultCachePath(),
		FreshnessWindow: time.Hour,
		UserAgent:       "EPGVault/1.0",
		Timeout:         30 * time.Second,
		RefreshInterval: 24 * time.Hour,
		RefreshWorkers:  4,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// defaultCachePath is $XDG_CACHE_HOME/epgvault, or the platform cache dir.
func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "epgvault")
}

// Load builds config from environment variables.
// If DATABASE_URL is not set, Load first loads .env.local and .env from the
// current directory and the executable's directory. DATABASE_URL is required;
// everything else is optional and invalid values keep their defaults.
func Load() (*Config, error) {
	if os.Getenv("DATABASE_URL") == "" {
		loadEnvFiles()
	}
	c := Defaults()
	c.DatabaseURL = os.Getenv("DATABASE_URL")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.ServerPort, "SERVER_PORT")
	setString(&c.CachePath, "CACHE_PATH")
	setDuration(&c.FreshnessWindow, os.Getenv("EPG_FRESHNESS_WINDOW"))
	setString(&c.UserAgent, "FETCHER_USER_AGENT")
	setDuration(&c.Timeout, os.Getenv("FETCHER_TIMEOUT"))
	setDuration(&c.RefreshInterval, os.Getenv("EPG_REFRESH_INTERVAL"))
	setInt(&c.RefreshWorkers, os.Getenv("EPG_REFRESH_WORKERS"))
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.SentryDSN, "SENTRY_DSN")
	if c.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}
	return c, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, s string) {
	if s == "" {
		return
	}
	if d, err := time.ParseDuration(s); err == nil {
		*dst = d
	}
}

func setInt(dst *int, s string) {
	if s == "" {
		return
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		*dst = n
	}
}
