package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	DatabaseURL     string    `yaml:"database_url"`
	RedisURL        string    `yaml:"redis_url"`
	ServerPort      string    `yaml:"server_port"`
	CachePath       string    `yaml:"cache_path"`
	FreshnessWindow string    `yaml:"freshness_window"`
	UserAgent       string    `yaml:"user_agent"`
	Timeout         string    `yaml:"timeout"`
	RefreshInterval string    `yaml:"refresh_interval"`
	RefreshWorkers  string    `yaml:"refresh_workers"`
	LogLevel        string    `yaml:"log_level"`
	LogFormat       string    `yaml:"log_format"`
	SentryDSN       string    `yaml:"sentry_dsn"`
	Accounts        []Account `yaml:"accounts"`
}

// LoadFromFile loads config from a YAML file. database_url is required.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}
	c := Defaults()
	c.DatabaseURL = f.DatabaseURL
	c.RedisURL = f.RedisURL
	c.SentryDSN = f.SentryDSN
	c.Accounts = f.Accounts
	for dst, v := range map[*string]string{
		&c.ServerPort: f.ServerPort,
		&c.CachePath:  f.CachePath,
		&c.UserAgent:  f.UserAgent,
		&c.LogLevel:   f.LogLevel,
		&c.LogFormat:  f.LogFormat,
	} {
		if v != "" {
			*dst = v
		}
	}
	setDuration(&c.FreshnessWindow, f.FreshnessWindow)
	setDuration(&c.Timeout, f.Timeout)
	setDuration(&c.RefreshInterval, f.RefreshInterval)
	setInt(&c.RefreshWorkers, f.RefreshWorkers)
	return c, nil
}
