package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8090" {
		t.Fatalf("unexpected default addr: %s", cfg.Server.Addr)
	}
	if cfg.Store.Backend != BackendMemory || cfg.Queue.Backend != BackendMemory {
		t.Fatalf("expected memory defaults, got store=%s queue=%s", cfg.Store.Backend, cfg.Queue.Backend)
	}
	if cfg.Engine.RetryBudget != 2 {
		t.Fatalf("unexpected default retry budget: %d", cfg.Engine.RetryBudget)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowgrid.yaml")
	doc := `
server:
  addr: ":9000"
store:
  backend: sqlite
  sqlite_path: /var/lib/flowgrid/state.db
queue:
  backend: redis
  redis_addr: localhost:6379
cache:
  ttl: 30m
limits:
  max_per_user: 3
  max_per_workspace: 10
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Fatalf("addr not applied: %s", cfg.Server.Addr)
	}
	if cfg.Store.Backend != BackendSQLite || cfg.Store.SQLitePath != "/var/lib/flowgrid/state.db" {
		t.Fatalf("store not applied: %+v", cfg.Store)
	}
	if cfg.Queue.Backend != BackendRedis || cfg.Queue.RedisAddr != "localhost:6379" {
		t.Fatalf("queue not applied: %+v", cfg.Queue)
	}
	if cfg.Cache.TTL != 30*time.Minute {
		t.Fatalf("cache ttl not applied: %s", cfg.Cache.TTL)
	}
	if cfg.Limits.MaxPerUser != 3 || cfg.Limits.MaxPerWorkspace != 10 {
		t.Fatalf("limits not applied: %+v", cfg.Limits)
	}
	// Unset fields keep their defaults.
	if cfg.Worker.PoolSize != 8 {
		t.Fatalf("expected default pool size, got %d", cfg.Worker.PoolSize)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowgrid.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":9000\"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("FLOWGRID_ADDR", ":7777")
	t.Setenv("FLOWGRID_MAX_PER_USER", "5")
	t.Setenv("FLOWGRID_NODE_TIMEOUT", "45s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7777" {
		t.Fatalf("env override not applied: %s", cfg.Server.Addr)
	}
	if cfg.Limits.MaxPerUser != 5 {
		t.Fatalf("env limit not applied: %d", cfg.Limits.MaxPerUser)
	}
	if cfg.Engine.DefaultTimeout != 45*time.Second {
		t.Fatalf("env timeout not applied: %s", cfg.Engine.DefaultTimeout)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	t.Setenv("FLOWGRID_STORE_BACKEND", "cassandra")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown store backend")
	}
}

func TestValidateRequiresDSNForPostgres(t *testing.T) {
	t.Setenv("FLOWGRID_STORE_BACKEND", "postgres")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for postgres without DSN")
	}
}

func TestBadEnvValueFails(t *testing.T) {
	t.Setenv("FLOWGRID_MAX_PER_USER", "lots")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for non-numeric limit")
	}
}
