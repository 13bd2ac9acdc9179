package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Workers.DistributionSchedule != "0 0 1 * *" {
		t.Fatalf("schedule = %q", cfg.Workers.DistributionSchedule)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	data := []byte(`
server:
  addr: ":9090"
  rate_limit: 10
workers:
  sweep_interval: 5m
  distribution_schedule: "0 2 1 * *"
logging:
  level: debug
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LEDGER_ADDR", ":7070")
	t.Setenv("LEDGER_JWT_SECRET", "from-env")
	t.Setenv("LEDGER_SWEEP_INTERVAL", "90s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Fatalf("env override lost, addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.JWTSecret != "from-env" {
		t.Fatalf("jwt secret = %q", cfg.Server.JWTSecret)
	}
	if cfg.Workers.SweepInterval != 90*time.Second {
		t.Fatalf("sweep interval = %v", cfg.Workers.SweepInterval)
	}
	if cfg.Workers.DistributionSchedule != "0 2 1 * *" {
		t.Fatalf("schedule = %q", cfg.Workers.DistributionSchedule)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error without credentials")
	}
	cfg.Server.JWTSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
