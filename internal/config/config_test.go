package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("REDIS_ADDR", "")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBDriver != "postgres" || cfg.ServerPort != "8080" || cfg.ChangeLogKeep != 10000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RedisAddr != "" {
		t.Fatalf("redis should be off by default, got %q", cfg.RedisAddr)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/x.db")
	t.Setenv("MDNS_ENABLED", "true")
	t.Setenv("COMPACT_INTERVAL", "90s")
	t.Setenv("CHANGE_LOG_KEEP", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBDriver != "sqlite" || cfg.SQLitePath != "/tmp/x.db" {
		t.Fatalf("db settings not applied: %+v", cfg)
	}
	if !cfg.MDNSEnabled || cfg.CompactInterval != 90*time.Second {
		t.Fatalf("got mdns=%v compact=%v", cfg.MDNSEnabled, cfg.CompactInterval)
	}
	if cfg.ChangeLogKeep != 10000 {
		t.Fatalf("bad int should fall back to default, got %d", cfg.ChangeLogKeep)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestLoadClient(t *testing.T) {
	t.Setenv("SKETCH_CLIENT_ID", "")
	if _, err := LoadClient(); err == nil {
		t.Fatal("expected error without client id")
	}

	t.Setenv("SKETCH_CLIENT_ID", "ana-laptop")
	t.Setenv("SKETCH_CANVAS", "board")
	t.Setenv("SKETCH_OUTBOX", "")
	t.Setenv("SYNC_MAX_RETRIES", "3")
	cfg, err := LoadClient()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxRetries != 3 || cfg.OutboxPath != "sketch-board-ana-laptop.outbox" {
		t.Fatalf("unexpected client config: %+v", cfg)
	}
}
