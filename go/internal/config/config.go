package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds gateway process settings. Environment variables provide the
// base values; an optional YAML file overlays them for deployments that
// prefer files over env.
type Config struct {
	HTTPPort string `yaml:"http_port"`
	NATSURL  string `yaml:"nats_url"`

	Database DatabaseConfig `yaml:"database"`

	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
	GhostTimeoutSec      int `yaml:"ghost_timeout_sec"`
	ReconcileIntervalSec int `yaml:"reconcile_interval_sec"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// FromEnv reads configuration from environment variables with defaults.
func FromEnv() Config {
	return Config{
		HTTPPort: getEnv("PORT", "8080"),
		NATSURL:  getEnv("NATS_URL", "nats://localhost:4222"),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Database: getEnv("DB_NAME", "pointdeck"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		HeartbeatIntervalSec: getEnvAsInt("HEARTBEAT_INTERVAL_SEC", 5),
		GhostTimeoutSec:      getEnvAsInt("GHOST_TIMEOUT_SEC", 15),
		ReconcileIntervalSec: getEnvAsInt("RECONCILE_INTERVAL_SEC", 10),
	}
}

// Load builds config from env and, when path is non-empty, overlays the YAML
// file on top.
func Load(path string) (Config, error) {
	cfg := FromEnv()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// DSN returns the Postgres connection URL.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// HeartbeatInterval returns the presence heartbeat cadence.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// GhostTimeout returns the presence ghost detection window.
func (c Config) GhostTimeout() time.Duration {
	return time.Duration(c.GhostTimeoutSec) * time.Second
}

// ReconcileInterval returns the replica reconciliation cadence.
func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSec) * time.Second
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
