package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeTemp(t, "proctord.toml", `
[log]
dir = "/tmp/p/log"
secrets_dir = "/tmp/p/secrets"

[session]
max_segment_records = 500
max_segment_age_sec = 60
queue_capacity = 128

[logging]
level = "debug"
format = "json"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Dir != "/tmp/p/log" {
		t.Errorf("log dir = %q", cfg.Log.Dir)
	}
	if cfg.Session.MaxSegmentRecords != 500 {
		t.Errorf("max records = %d", cfg.Session.MaxSegmentRecords)
	}
	if cfg.MaxSegmentAge() != time.Minute {
		t.Errorf("age = %v", cfg.MaxSegmentAge())
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("format = %q", cfg.Logging.Format)
	}
	// Unset fields keep their defaults.
	if cfg.Session.MaxPersistRetries != 5 {
		t.Errorf("retries = %d", cfg.Session.MaxPersistRetries)
	}
}

func TestLoadJSONAndYAML(t *testing.T) {
	jsonPath := writeTemp(t, "proctord.json",
		`{"log": {"dir": "/a/log", "secrets_dir": "/a/secrets"}}`)
	cfg, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("json Load failed: %v", err)
	}
	if cfg.Log.Dir != "/a/log" {
		t.Errorf("json log dir = %q", cfg.Log.Dir)
	}

	yamlPath := writeTemp(t, "proctord.yaml", "log:\n  dir: /b/log\n  secrets_dir: /b/secrets\n")
	cfg, err = Load(yamlPath)
	if err != nil {
		t.Fatalf("yaml Load failed: %v", err)
	}
	if cfg.Log.Dir != "/b/log" {
		t.Errorf("yaml log dir = %q", cfg.Log.Dir)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROCTORD_LOG_DIR", "/env/log")
	t.Setenv("PROCTORD_SECRETS_DIR", "/env/secrets")
	t.Setenv("PROCTORD_MAX_SEGMENT_RECORDS", "77")
	t.Setenv("PROCTORD_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Dir != "/env/log" {
		t.Errorf("log dir = %q", cfg.Log.Dir)
	}
	if cfg.Session.MaxSegmentRecords != 77 {
		t.Errorf("max records = %d", cfg.Session.MaxSegmentRecords)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestValidateRejectsSharedSecretsDir(t *testing.T) {
	cfg := Default()
	cfg.Log.Dir = "/same"
	cfg.Log.SecretsDir = "/same"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "must differ") {
		t.Fatalf("got %v, want shared-directory rejection", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Session.QueueCapacity = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero queue capacity accepted")
	}

	cfg = Default()
	cfg.Logging.Format = "xml"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown logging format accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Log.Dir = filepath.Join(dir, "log")
	cfg.Log.SecretsDir = filepath.Join(dir, "secrets")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(cfg.Log.SecretsDir)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0700 {
		t.Errorf("secrets dir mode = %v, want 0700", info.Mode().Perm())
	}
}
