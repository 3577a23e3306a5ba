package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATABASE_URL", "REDIS_URL", "SERVER_PORT", "CACHE_PATH",
		"EPG_FRESHNESS_WINDOW", "FETCHER_USER_AGENT", "FETCHER_TIMEOUT",
		"EPG_REFRESH_INTERVAL", "EPG_REFRESH_WORKERS",
		"LOG_LEVEL", "LOG_FORMAT", "SENTRY_DSN",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/epg")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("EPG_FRESHNESS_WINDOW", "15m")
	t.Setenv("FETCHER_TIMEOUT", "5s")
	t.Setenv("EPG_REFRESH_WORKERS", "8")
	t.Setenv("LOG_FORMAT", "text")

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.DatabaseURL != "postgres://u:p@localhost/epg" || c.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("urls: %+v", c)
	}
	if c.FreshnessWindow != 15*time.Minute || c.Timeout != 5*time.Second {
		t.Errorf("durations: window=%v timeout=%v", c.FreshnessWindow, c.Timeout)
	}
	if c.RefreshWorkers != 8 || c.LogFormat != "text" {
		t.Errorf("workers=%d format=%q", c.RefreshWorkers, c.LogFormat)
	}
	if c.ServerPort != "8080" || c.UserAgent != "EPGVault/1.0" || c.LogLevel != "info" {
		t.Errorf("defaults not applied: %+v", c)
	}
}

func TestLoadInvalidValuesKeepDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "sqlite:///tmp/epg.db")
	t.Setenv("FETCHER_TIMEOUT", "soon")
	t.Setenv("EPG_REFRESH_WORKERS", "-2")

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	d := Defaults()
	if c.Timeout != d.Timeout || c.RefreshWorkers != d.RefreshWorkers {
		t.Errorf("timeout=%v workers=%d", c.Timeout, c.RefreshWorkers)
	}
}

func TestLoadMissingDatabaseURL(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())
	if _, err := Load(); !errors.Is(err, ErrMissingDatabaseURL) {
		t.Fatalf("expected ErrMissingDatabaseURL, got %v", err)
	}
}

func TestLoadReadsEnvFiles(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Chdir(dir)
	write(t, filepath.Join(dir, ".env.local"), "DATABASE_URL=sqlite://local.db\n")
	write(t, filepath.Join(dir, ".env"), "DATABASE_URL=sqlite://shared.db\nSERVER_PORT=9090\n")
	// t.Setenv restores on cleanup; unset so godotenv sees the keys as free.
	os.Unsetenv("DATABASE_URL")
	os.Unsetenv("SERVER_PORT")

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.DatabaseURL != "sqlite://local.db" {
		t.Errorf(".env.local should win, got %q", c.DatabaseURL)
	}
	if c.ServerPort != "9090" {
		t.Errorf("ServerPort = %q", c.ServerPort)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epgvault.yaml")
	write(t, path, `
database_url: sqlite:///var/lib/epgvault/epg.db
redis_url: redis://cache:6379/1
freshness_window: 30m
refresh_workers: "2"
log_level: debug
accounts:
  - id: acct-1
    name: Household
    servers:
      - id: 1
        name: Main
        epg_url: http://provider.example/xmltv.php
      - id: 2
        name: Backup
`)
	c, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.RedisURL != "redis://cache:6379/1" || c.LogLevel != "debug" {
		t.Errorf("scalars: %+v", c)
	}
	if c.FreshnessWindow != 30*time.Minute || c.RefreshWorkers != 2 {
		t.Errorf("window=%v workers=%d", c.FreshnessWindow, c.RefreshWorkers)
	}
	if c.Timeout != 30*time.Second {
		t.Errorf("Timeout default = %v", c.Timeout)
	}
	if len(c.Accounts) != 1 || len(c.Accounts[0].Servers) != 2 {
		t.Fatalf("accounts: %+v", c.Accounts)
	}
	srv := c.Accounts[0].Servers[0]
	if srv.ID != 1 || srv.EPGURL != "http://provider.example/xmltv.php" {
		t.Errorf("server: %+v", srv)
	}
	if c.Accounts[0].Servers[1].EPGURL != "" {
		t.Error("server without epg_url should stay empty")
	}
}

func TestLoadFromFileRequiresDatabaseURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epgvault.yaml")
	write(t, path, "redis_url: redis://localhost:6379\n")
	if _, err := LoadFromFile(path); !errors.Is(err, ErrMissingDatabaseURL) {
		t.Fatalf("expected ErrMissingDatabaseURL, got %v", err)
	}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
