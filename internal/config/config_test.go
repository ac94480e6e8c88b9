package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr() != "127.0.0.1:8080" {
		t.Fatalf("unexpected default addr %s", cfg.Server.Addr())
	}
	if cfg.Quota.DedicatedAllotment != 100 || cfg.Quota.SharedPerAccount != 2 {
		t.Fatalf("unexpected default quota policy: %+v", cfg.Quota)
	}
	if cfg.Quota.RecoveryFraction != 0.2 || cfg.Quota.RecoveryInterval != time.Hour {
		t.Fatalf("unexpected default recovery policy: %+v", cfg.Quota)
	}
	if cfg.Redis.Addr != "" {
		t.Fatalf("redis must be off by default")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  host: 0.0.0.0
  port: 9090
redis:
  addr: localhost:6379
quota:
  shared_per_account: 5
  recovery_fraction: 0.5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr() != "0.0.0.0:9090" {
		t.Fatalf("unexpected addr %s", cfg.Server.Addr())
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("unexpected redis addr %s", cfg.Redis.Addr)
	}
	if cfg.Quota.SharedPerAccount != 5 || cfg.Quota.RecoveryFraction != 0.5 {
		t.Fatalf("unexpected quota policy: %+v", cfg.Quota)
	}
	// Unset keys keep their defaults.
	if cfg.Quota.DedicatedAllotment != 100 {
		t.Fatalf("expected default allotment, got %f", cfg.Quota.DedicatedAllotment)
	}
	if cfg.Database.Path != "agpool.db" {
		t.Fatalf("expected default db path, got %s", cfg.Database.Path)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
