package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != "1883" {
		t.Fatalf("expected default port 1883, got %q", cfg.Server.Port)
	}
	if cfg.Broker.MaxInflight != 20 || cfg.Broker.MaxQueued != 100 {
		t.Fatalf("unexpected default limits: %+v", cfg.Broker)
	}
	if time.Duration(cfg.Broker.StoreCleanInterval) != 5*time.Second {
		t.Fatalf("expected default store_clean_interval of 5s, got %v", time.Duration(cfg.Broker.StoreCleanInterval))
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")

	yaml := `
name: test-broker
server:
  port: "18830"
broker:
  max_inflight: 5
  store_clean_interval: 30s
auth:
  enabled: true
  db_path: ./custom.db
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Name != "test-broker" {
		t.Fatalf("expected overridden name, got %q", cfg.Name)
	}
	if cfg.Server.Port != "18830" {
		t.Fatalf("expected overridden port, got %q", cfg.Server.Port)
	}
	if cfg.Broker.MaxInflight != 5 {
		t.Fatalf("expected overridden max_inflight, got %d", cfg.Broker.MaxInflight)
	}
	if time.Duration(cfg.Broker.StoreCleanInterval) != 30*time.Second {
		t.Fatalf("expected overridden store_clean_interval, got %v", time.Duration(cfg.Broker.StoreCleanInterval))
	}
	// Fields the fixture doesn't mention must keep their defaults.
	if cfg.Broker.MaxQueued != 100 {
		t.Fatalf("expected default max_queued to survive a partial override, got %d", cfg.Broker.MaxQueued)
	}
	if !cfg.Auth.Enabled || cfg.Auth.DBPath != "./custom.db" {
		t.Fatalf("expected overridden auth section, got %+v", cfg.Auth)
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	if _, err := Load("/nonexistent/config.yml"); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestDurationUnmarshalRejectsBadString(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte("broker:\n  store_clean_interval: not-a-duration\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for an unparsable duration string")
	}
}
