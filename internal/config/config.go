// Package config loads server configuration from an optional YAML file,
// applying defaults for anything unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config is the server configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Store struct {
		Backend       string `yaml:"backend"`
		RedisAddr     string `yaml:"redis_addr"`
		SQLitePath    string `yaml:"sqlite_path"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"store"`

	HistoryLimit int `yaml:"history_limit"`

	Conns struct {
		Max                int `yaml:"max"`
		IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
	} `yaml:"conns"`

	RateLimit struct {
		Max           int `yaml:"max"`
		WindowSeconds int `yaml:"window_seconds"`
	} `yaml:"rate_limit"`
}

// Default returns the configuration used when no file is provided.
func Default() Config {
	var cfg Config
	cfg.ListenAddr = ":8080"
	cfg.Store.Backend = BackendMemory
	cfg.Store.SQLitePath = "cosmowatch.db"
	cfg.Store.RetentionDays = 30
	cfg.HistoryLimit = 100
	cfg.RateLimit.Max = 20
	cfg.RateLimit.WindowSeconds = 60
	return cfg
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendRedis && c.Store.RedisAddr == "" {
		return fmt.Errorf("config: redis backend requires store.redis_addr")
	}
	if c.Store.RetentionDays <= 0 {
		return fmt.Errorf("config: store.retention_days must be positive")
	}
	return nil
}

// Retention returns the message retention window.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Store.RetentionDays) * 24 * time.Hour
}

// IdleTimeout returns the idle connection timeout, 0 if disabled.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Conns.IdleTimeoutSeconds) * time.Second
}

// RateLimitWindow returns the upgrade rate-limit window.
func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}
