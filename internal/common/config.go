// Package common provides shared utilities for Felt
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for Felt
type Config struct {
	Environment string        `toml:"environment"`
	Engine      string        `toml:"engine"`        // registered rules engine name
	HouseUserID string        `toml:"house_user_id"` // account credited with rake
	Server      ServerConfig  `toml:"server"`
	Redis       RedisConfig   `toml:"redis"`
	Surreal     SurrealConfig `toml:"surreal"`
	Tables      TablesConfig  `toml:"tables"`
	Workers     WorkersConfig `toml:"workers"`
	Logging     LoggingConfig `toml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// RedisConfig holds the hot-store connection settings.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	PoolSize int    `toml:"pool_size"`
}

// SurrealConfig holds the cold-store connection settings.
type SurrealConfig struct {
	Address   string `toml:"address"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
}

// TablesConfig holds table orchestration defaults. Durations are strings
// in time.ParseDuration form.
type TablesConfig struct {
	SnapshotTTL          string `toml:"snapshot_ttl"`           // hot snapshot expiry, default "24h"
	LockLease            string `toml:"lock_lease"`             // per-action lock lease, default "10s"
	ActionTimeoutSeconds int    `toml:"action_timeout_seconds"` // base think time, default 30
	TimeBankSeconds      int    `toml:"time_bank_seconds"`      // bonus when time bank fires, default 60
	NextHandDelay        string `toml:"next_hand_delay"`        // grace before auto-deal, default "5s"
}

// GetSnapshotTTL parses and returns the snapshot TTL.
func (c *TablesConfig) GetSnapshotTTL() time.Duration {
	d, err := time.ParseDuration(c.SnapshotTTL)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// GetLockLease parses and returns the per-action lock lease.
func (c *TablesConfig) GetLockLease() time.Duration {
	d, err := time.ParseDuration(c.LockLease)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetNextHandDelay parses and returns the auto-deal grace delay.
func (c *TablesConfig) GetNextHandDelay() time.Duration {
	d, err := time.ParseDuration(c.NextHandDelay)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// WorkersConfig holds job manager tuning.
type WorkersConfig struct {
	MaxConcurrent   int    `toml:"max_concurrent"`   // processor goroutines, default 5
	MaxRetries      int    `toml:"max_retries"`      // per-job attempts, default 3
	RatePerSecond   int    `toml:"rate_per_second"`  // dequeue rate limit, 0 = unlimited
	WatcherInterval string `toml:"watcher_interval"` // housekeeping cadence, default "1m"
	PurgeInterval   string `toml:"purge_interval"`   // purge-job repeat, default "1h"
	PurgeOlderThan  string `toml:"purge_older_than"` // completed-job retention, default "24h"
}

// GetMaxRetries returns the per-job attempt budget.
func (c *WorkersConfig) GetMaxRetries() int {
	if c.MaxRetries <= 0 {
		return 3
	}
	return c.MaxRetries
}

// GetWatcherInterval parses and returns the watcher cadence.
func (c *WorkersConfig) GetWatcherInterval() time.Duration {
	d, err := time.ParseDuration(c.WatcherInterval)
	if err != nil {
		return time.Minute
	}
	return d
}

// GetPurgeInterval parses and returns the purge-job repeat interval.
func (c *WorkersConfig) GetPurgeInterval() time.Duration {
	d, err := time.ParseDuration(c.PurgeInterval)
	if err != nil {
		return time.Hour
	}
	return d
}

// GetPurgeOlderThan parses and returns the completed-job retention window.
func (c *WorkersConfig) GetPurgeOlderThan() time.Duration {
	d, err := time.ParseDuration(c.PurgeOlderThan)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Outputs    []string `toml:"outputs"`
	FilePath   string   `toml:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb"`
	MaxBackups int      `toml:"max_backups"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Engine:      "holdem",
		HouseUserID: "house",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 50,
		},
		Surreal: SurrealConfig{
			Address:   "ws://localhost:8000",
			Username:  "root",
			Password:  "root",
			Namespace: "felt",
			Database:  "felt",
		},
		Tables: TablesConfig{
			SnapshotTTL:          "24h",
			LockLease:            "10s",
			ActionTimeoutSeconds: 30,
			TimeBankSeconds:      60,
			NextHandDelay:        "5s",
		},
		Workers: WorkersConfig{
			MaxConcurrent:   5,
			MaxRetries:      3,
			RatePerSecond:   0,
			WatcherInterval: "1m",
			PurgeInterval:   "1h",
			PurgeOlderThan:  "24h",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console"},
			FilePath:   "./logs/felt.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("FELT_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("FELT_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("FELT_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("FELT_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if addr := os.Getenv("FELT_REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}
	if pass := os.Getenv("FELT_REDIS_PASSWORD"); pass != "" {
		config.Redis.Password = pass
	}

	if addr := os.Getenv("FELT_SURREAL_ADDR"); addr != "" {
		config.Surreal.Address = addr
	}
	if v := os.Getenv("FELT_SURREAL_USER"); v != "" {
		config.Surreal.Username = v
	}
	if v := os.Getenv("FELT_SURREAL_PASS"); v != "" {
		config.Surreal.Password = v
	}

	if v := os.Getenv("FELT_HOUSE_USER_ID"); v != "" {
		config.HouseUserID = v
	}

	if v := os.Getenv("FELT_ENGINE"); v != "" {
		config.Engine = v
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
