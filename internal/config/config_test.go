package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.TestRetries != 3 {
		t.Fatalf("expected 3 retries, got %d", cfg.TestRetries)
	}
	if cfg.TestTimeout != 5*time.Minute {
		t.Fatalf("expected 5m test timeout, got %s", cfg.TestTimeout)
	}
	if cfg.StoreDriver != "memory" {
		t.Fatalf("expected memory store, got %q", cfg.StoreDriver)
	}
	if len(cfg.Browsers) == 0 {
		t.Fatalf("expected default browsers")
	}
}

func TestLoadReadsEnvironmentLists(t *testing.T) {
	t.Setenv("TESTSWARM_BROWSERS", "chrome, firefox,ie9")
	t.Setenv("TESTSWARM_MANUAL_BROWSERS", "ie9")
	t.Setenv("TESTSWARM_TEST_RETRIES", "5")
	t.Setenv("TESTSWARM_TEST_TIMEOUT", "90s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(cfg.Browsers, []string{"chrome", "firefox", "ie9"}) {
		t.Fatalf("unexpected browsers %v", cfg.Browsers)
	}
	if !reflect.DeepEqual(cfg.ManualBrowsers, []string{"ie9"}) {
		t.Fatalf("unexpected manual browsers %v", cfg.ManualBrowsers)
	}
	if cfg.TestRetries != 5 || cfg.TestTimeout != 90*time.Second {
		t.Fatalf("unexpected retry settings %d / %s", cfg.TestRetries, cfg.TestTimeout)
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "testswarm.yaml")
	body := []byte(`
http_addr: ":9090"
store_driver: sqlite
sqlite_path: /tmp/swarm.db
browsers:
  - chrome35
  - firefox
log_format: console
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TESTSWARM_HTTP_ADDR", ":7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Fatalf("expected env to override file, got %q", cfg.HTTPAddr)
	}
	if cfg.StoreDriver != "sqlite" || cfg.SQLitePath != "/tmp/swarm.db" {
		t.Fatalf("unexpected store settings %q %q", cfg.StoreDriver, cfg.SQLitePath)
	}
	if !reflect.DeepEqual(cfg.Browsers, []string{"chrome35", "firefox"}) {
		t.Fatalf("unexpected browsers %v", cfg.Browsers)
	}
	if cfg.LogFormat != "console" {
		t.Fatalf("expected console log format, got %q", cfg.LogFormat)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	t.Setenv("TESTSWARM_STORE_DRIVER", "mongo")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected unknown store driver to fail")
	}

	t.Setenv("TESTSWARM_STORE_DRIVER", "postgres")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected postgres without dsn to fail")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing config file to fail")
	}
}
