package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for sluice.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Env selects the logger profile ("local" enables console output).
	Env string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`

	// Hostname identifies this process in catalog locks and process logs.
	// If empty, it is resolved from os.Hostname at load time.
	Hostname string `yaml:"hostname" env:"SLUICE_HOSTNAME" env-default:""`

	Version string `yaml:"-"` // Set at load time, not from config

	// Catalog configuration (PostgreSQL holding the metadata schema)
	Catalog DatabaseConfig `yaml:"catalog"`

	// Lake configuration (PostgreSQL the syncer and model executor write to)
	Lake LakeConfig `yaml:"lake"`

	// Redis configuration (optional external event intake)
	Redis RedisConfig `yaml:"redis"`

	// Engine loop configuration
	Engine EngineConfig `yaml:"engine"`
}

// DatabaseConfig holds PostgreSQL catalog configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"sluice"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"sluice"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	MaxIdleConns   int32  `yaml:"max_idle_conns" env:"PGMAX_IDLE_CONNS" env-default:"5"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// LakeConfig holds the data lake PostgreSQL configuration.
// When host is empty, the lake shares the catalog database.
type LakeConfig struct {
	Host     string `yaml:"host" env:"LAKE_HOST" env-default:""`
	Port     int    `yaml:"port" env:"LAKE_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"LAKE_USER" env-default:""`
	Password string `yaml:"-" env:"LAKE_PASSWORD"` // Secret - not in YAML
	Database string `yaml:"database" env:"LAKE_DATABASE" env-default:""`
	SSLMode  string `yaml:"ssl_mode" env:"LAKE_SSLMODE" env-default:"disable"`
}

// RedisConfig holds the optional Redis event-intake configuration.
// When Host is empty, the event intake is disabled.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	Channel  string `yaml:"channel" env:"REDIS_CHANNEL" env-default:"sluice:events"`
}

// EngineConfig holds engine loop settings.
type EngineConfig struct {
	// SyncIntervalSeconds is the base cycle period. Derived loops run at
	// multiples of it; the monitoring loop may replace it at runtime.
	SyncIntervalSeconds int `yaml:"sync_interval_seconds" env:"SYNC_INTERVAL_SECONDS" env-default:"60"`

	// WorkerPoolSize is the number of task-queue workers.
	WorkerPoolSize int `yaml:"worker_pool_size" env:"WORKER_POOL_SIZE" env-default:"4"`

	// MetricsAddr enables the Prometheus listener when non-empty (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR" env-default:""`

	// MigrationsPath is the directory holding catalog schema migrations.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// Environment variables override YAML values. Secrets (PGPASSWORD, LAKE_PASSWORD,
// REDIS_PASSWORD) must come from environment variables (yaml:"-" fields).
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	// Load config from YAML file with environment variable overrides
	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if cfg.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "sluice-unknown"
		}
		cfg.Hostname = hostname
	}

	if cfg.Engine.SyncIntervalSeconds < 5 {
		return nil, fmt.Errorf("sync_interval_seconds must be at least 5, got %d", cfg.Engine.SyncIntervalSeconds)
	}
	if cfg.Engine.WorkerPoolSize < 1 {
		return nil, fmt.Errorf("worker_pool_size must be at least 1, got %d", cfg.Engine.WorkerPoolSize)
	}

	return cfg, nil
}

// ConnectionString returns a PostgreSQL connection string for the catalog.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// ConnectionString returns a PostgreSQL connection string for the lake.
func (c *LakeConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// UsesCatalog reports whether the lake falls back to the catalog database.
func (c *LakeConfig) UsesCatalog() bool {
	return c.Host == ""
}
