package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeConfigAndChdir drops a config.yaml into a temp dir and makes it the
// working directory so Load() picks it up.
func writeConfigAndChdir(t *testing.T, yamlContent string) {
	t.Helper()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		os.Chdir(originalDir)
	})
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	writeConfigAndChdir(t, `
env: "test"
hostname: "yaml-host"
catalog:
  host: "db.example.com"
  port: 5432
  user: "testuser"
  database: "testdb"
`)

	// Clear env vars that might interfere with test
	os.Unsetenv("PGHOST")
	os.Unsetenv("SLUICE_HOSTNAME")

	// Set env vars to override YAML values
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SLUICE_HOSTNAME", "env-host")

	cfg, err := Load("test-version")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	// Verify env vars override YAML
	if cfg.Env != "production" {
		t.Errorf("expected Env=production (from env), got %s", cfg.Env)
	}
	if cfg.Hostname != "env-host" {
		t.Errorf("expected Hostname=env-host (from env), got %s", cfg.Hostname)
	}

	// Verify version was set
	if cfg.Version != "test-version" {
		t.Errorf("expected Version=test-version, got %s", cfg.Version)
	}

	// Verify YAML value used for catalog host (proves YAML was read)
	if cfg.Catalog.Host != "db.example.com" {
		t.Errorf("expected Catalog.Host=db.example.com (from yaml), got %s", cfg.Catalog.Host)
	}
}

func TestLoad_HostnameAutoDerive(t *testing.T) {
	writeConfigAndChdir(t, `
env: "test"
catalog:
  host: "localhost"
`)

	os.Unsetenv("SLUICE_HOSTNAME")

	cfg, err := Load("test-version")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	// Hostname falls back to os.Hostname when not configured
	if cfg.Hostname == "" {
		t.Error("expected Hostname to be auto-derived, got empty string")
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	tmpDir := t.TempDir()

	originalDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		os.Chdir(originalDir)
	})

	_, err = Load("test-version")
	if err == nil {
		t.Error("expected error when config.yaml is missing")
	}
}

func TestLoad_EngineDefaults(t *testing.T) {
	writeConfigAndChdir(t, `
env: "test"
catalog:
  host: "localhost"
`)

	os.Unsetenv("SYNC_INTERVAL_SECONDS")
	os.Unsetenv("WORKER_POOL_SIZE")
	os.Unsetenv("METRICS_ADDR")
	os.Unsetenv("MIGRATIONS_PATH")

	cfg, err := Load("test-version")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Engine.SyncIntervalSeconds != 60 {
		t.Errorf("expected SyncIntervalSeconds=60 (default), got %d", cfg.Engine.SyncIntervalSeconds)
	}
	if cfg.Engine.WorkerPoolSize != 4 {
		t.Errorf("expected WorkerPoolSize=4 (default), got %d", cfg.Engine.WorkerPoolSize)
	}
	if cfg.Engine.MetricsAddr != "" {
		t.Errorf("expected MetricsAddr empty (default), got %s", cfg.Engine.MetricsAddr)
	}
	if cfg.Engine.MigrationsPath != "migrations" {
		t.Errorf("expected MigrationsPath=migrations (default), got %s", cfg.Engine.MigrationsPath)
	}
}

func TestLoad_RejectsBadEngineValues(t *testing.T) {
	writeConfigAndChdir(t, `
env: "test"
catalog:
  host: "localhost"
engine:
  sync_interval_seconds: 2
`)

	os.Unsetenv("SYNC_INTERVAL_SECONDS")

	_, err := Load("test-version")
	if err == nil {
		t.Fatal("expected error for sync_interval_seconds below minimum")
	}
	if !strings.Contains(err.Error(), "sync_interval_seconds") {
		t.Errorf("expected sync_interval_seconds in error, got %v", err)
	}
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db01",
		Port:     5433,
		User:     "sluice",
		Password: "secret",
		Database: "catalog",
		SSLMode:  "require",
	}

	got := cfg.ConnectionString()
	want := "host=db01 port=5433 user=sluice password=secret dbname=catalog sslmode=require"
	if got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}
}

func TestLakeConfig_UsesCatalog(t *testing.T) {
	lake := LakeConfig{}
	if !lake.UsesCatalog() {
		t.Error("empty lake config should fall back to the catalog database")
	}

	lake.Host = "lake01"
	if lake.UsesCatalog() {
		t.Error("configured lake should not fall back to the catalog database")
	}
}

func TestLoad_RedisOptional(t *testing.T) {
	writeConfigAndChdir(t, `
env: "test"
catalog:
  host: "localhost"
`)

	os.Unsetenv("REDIS_HOST")
	os.Unsetenv("REDIS_CHANNEL")

	cfg, err := Load("test-version")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Redis.Host != "" {
		t.Errorf("expected Redis.Host empty (unconfigured), got %s", cfg.Redis.Host)
	}
	if cfg.Redis.Channel != "sluice:events" {
		t.Errorf("expected default Redis channel, got %s", cfg.Redis.Channel)
	}
}
