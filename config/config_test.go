package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Environment != EnvProd {
		t.Errorf("Environment = %s, want prod", cfg.Environment)
	}
	if cfg.Engine.DataQueueSize != 4096 {
		t.Errorf("DataQueueSize = %d, want 4096", cfg.Engine.DataQueueSize)
	}
	if cfg.Engine.GracefulShutdownTimeout != 5*time.Second {
		t.Errorf("GracefulShutdownTimeout = %v", cfg.Engine.GracefulShutdownTimeout)
	}
	if cfg.Catalog.Backend != BackendParquet {
		t.Errorf("Catalog.Backend = %s, want parquet", cfg.Catalog.Backend)
	}
	if cfg.Bus.BufferSize != 1024 {
		t.Errorf("Bus.BufferSize = %d, want 1024", cfg.Bus.BufferSize)
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: dev
engine:
  commandQueueSize: 32
  dataQueueSize: 512
  gracefulShutdownTimeout: 2s
  snapshotInterval: 250ms
  defaultBookDepth: 25
  seedBarOpen: true
catalog:
  backend: postgres
  dsn: postgres://localhost:5432/tidemark
bus:
  bufferSize: 2048
telemetry:
  serviceName: tidemark-dev
  enableMetrics: true
venues:
  sim:
    wsUrl: wss://example.test/ws
    controlRatePerSec: 8
    controlBurst: 2
    maxReconnectWait: 10s
    dialTimeout: 3s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Environment != EnvDev {
		t.Errorf("Environment = %s, want dev", cfg.Environment)
	}
	if cfg.Engine.CommandQueueSize != 32 || cfg.Engine.DataQueueSize != 512 {
		t.Errorf("queue sizes = %d/%d", cfg.Engine.CommandQueueSize, cfg.Engine.DataQueueSize)
	}
	if cfg.Engine.GracefulShutdownTimeout != 2*time.Second {
		t.Errorf("GracefulShutdownTimeout = %v", cfg.Engine.GracefulShutdownTimeout)
	}
	if cfg.Engine.SnapshotInterval != 250*time.Millisecond {
		t.Errorf("SnapshotInterval = %v", cfg.Engine.SnapshotInterval)
	}
	if !cfg.Engine.SeedBarOpen || cfg.Engine.DefaultBookDepth != 25 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Catalog.Backend != BackendPostgres || cfg.Catalog.DSN == "" {
		t.Errorf("catalog = %+v", cfg.Catalog)
	}
	if cfg.Bus.BufferSize != 2048 {
		t.Errorf("Bus.BufferSize = %d", cfg.Bus.BufferSize)
	}
	if cfg.Telemetry.ServiceName != "tidemark-dev" {
		t.Errorf("ServiceName = %s", cfg.Telemetry.ServiceName)
	}

	venue, ok := cfg.Venues["SIM"]
	if !ok {
		t.Fatalf("venue SIM missing: %v", cfg.Venues)
	}
	if venue.WSURL != "wss://example.test/ws" || venue.ControlRatePerSec != 8 {
		t.Errorf("venue = %+v", venue)
	}
	if venue.MaxReconnectWait != 10*time.Second || venue.DialTimeout != 3*time.Second {
		t.Errorf("venue durations = %+v", venue)
	}
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	path := writeConfig(t, `
catalog:
  backend: postgres
  dsn: postgres://yaml:5432/tidemark
`)
	t.Setenv("TIDEMARK_ENV", "staging")
	t.Setenv("TIDEMARK_CATALOG_BACKEND", "parquet")
	t.Setenv("TIDEMARK_CATALOG_DIR", "/tmp/catalog")
	t.Setenv("TIDEMARK_DATA_QUEUE_SIZE", "64")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Errorf("Environment = %s, want staging", cfg.Environment)
	}
	if cfg.Catalog.Backend != BackendParquet || cfg.Catalog.Dir != "/tmp/catalog" {
		t.Errorf("catalog = %+v", cfg.Catalog)
	}
	if cfg.Engine.DataQueueSize != 64 {
		t.Errorf("DataQueueSize = %d, want 64", cfg.Engine.DataQueueSize)
	}
}

func TestValidateRejectsIncoherentConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad environment", "environment: qa\n"},
		{"postgres without dsn", "catalog:\n  backend: postgres\n"},
		{"unknown backend", "catalog:\n  backend: s3\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Error("Load() accepted invalid config")
			}
		})
	}
}
