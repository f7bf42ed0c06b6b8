package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Backend != "postgres" {
		t.Fatalf("unexpected default backend %q", cfg.Backend)
	}
	if cfg.Postgres.Host != "localhost" || cfg.Postgres.Port != 5432 {
		t.Fatalf("unexpected postgres defaults %+v", cfg.Postgres)
	}
	if cfg.Queue != "entity-changes" {
		t.Fatalf("unexpected default queue %q", cfg.Queue)
	}
}

func TestLoad_ReadsYaml(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("backend: mysql\nmysql:\n  host: db.internal\n  port: 3307\nlog:\n  level: debug\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Backend != "mysql" {
		t.Fatalf("unexpected backend %q", cfg.Backend)
	}
	if cfg.MySQL.Host != "db.internal" || cfg.MySQL.Port != 3307 {
		t.Fatalf("unexpected mysql config %+v", cfg.MySQL)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("unexpected log level %q", cfg.Log.Level)
	}
	// Untouched sections keep their defaults.
	if cfg.Postgres.Port != 5432 {
		t.Fatalf("postgres defaults clobbered: %+v", cfg.Postgres)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("backend: mysql\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("CHRONICLE_BACKEND", "document")
	t.Setenv("CHRONICLE_DOCUMENT_PATH", "/var/lib/chronicle/docs.db")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Backend != "document" {
		t.Fatalf("environment must win, got %q", cfg.Backend)
	}
	if cfg.Document.Path != "/var/lib/chronicle/docs.db" {
		t.Fatalf("unexpected document path %q", cfg.Document.Path)
	}
}
