package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/downstairs/internal/bytesize"
)

// yamlSafePath converts a filesystem path to a YAML-safe representation.
// On Windows, backslashes in double-quoted YAML strings are interpreted as
// escape sequences.
func yamlSafePath(p string) string {
	return filepath.ToSlash(p)
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logging:
  level: "debug"

region:
  path: "/srv/region"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected normalized level 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.ShutdownTimeout)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Expected default server port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Region.Mode != "rw" || cfg.Region.ReadOnly() {
		t.Errorf("Expected read-write region, got mode %q", cfg.Region.Mode)
	}
	if cfg.Create.BlockSize != 512 || cfg.Create.ExtentSize != 100 || cfg.Create.ExtentCount != 15 {
		t.Errorf("Unexpected create defaults: %+v", cfg.Create)
	}
	if cfg.Repair.BindAddr != "127.0.0.1:4567" || cfg.Repair.MaxRetries != 3 {
		t.Errorf("Unexpected repair defaults: %+v", cfg.Repair)
	}
}

func TestLoad_HumanReadableValues(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
shutdown_timeout: 5s
region:
  path: "/srv/region"
  mode: RO
create:
  block_size: 4Ki
  extent_size: 32
  extent_count: 4
repair:
  request_timeout: 90s
export:
  s3:
    part_size: 32Mi
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("Expected 5s shutdown timeout, got %v", cfg.ShutdownTimeout)
	}
	if !cfg.Region.ReadOnly() {
		t.Errorf("Expected read-only region, got mode %q", cfg.Region.Mode)
	}
	if cfg.Create.BlockSize != 4*bytesize.KiB {
		t.Errorf("Expected 4KiB block size, got %v", cfg.Create.BlockSize)
	}
	if cfg.Repair.RequestTimeout != 90*time.Second {
		t.Errorf("Expected 90s request timeout, got %v", cfg.Repair.RequestTimeout)
	}
	if cfg.Export.S3.PartSize != 32*bytesize.MiB {
		t.Errorf("Expected 32MiB part size, got %v", cfg.Export.S3.PartSize)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Expected no error when loading default config, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("Expected default config to be returned")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Expected default server port 9000, got %d", cfg.Server.Port)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid.yaml", `
logging:
  level: INFO
  invalid yaml here [[[
`)

	if _, err := Load(path); err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_TOML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, "config.toml", `
[logging]
level = "WARN"
format = "json"

[region]
path = "`+yamlSafePath(dir)+`/region"
metadata_backend = "badger"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load TOML config: %v", err)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected format 'json', got %q", cfg.Logging.Format)
	}
	if cfg.Region.MetadataBackend != "badger" {
		t.Errorf("Expected badger backend, got %q", cfg.Region.MetadataBackend)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("DOWNSTAIRS_LOGGING_LEVEL", "ERROR")
	t.Setenv("DOWNSTAIRS_SERVER_PORT", "9100")
	t.Setenv("DOWNSTAIRS_DISPATCHER_WORKERS", "3")

	path := writeConfig(t, "config.yaml", `
logging:
  level: "INFO"
region:
  path: "/srv/region"
server:
  port: 9000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected level 'ERROR' from env var, got %q", cfg.Logging.Level)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Expected port 9100 from env var, got %d", cfg.Server.Port)
	}
	if cfg.Dispatcher.Workers != 3 {
		t.Errorf("Expected 3 workers from env var (key absent from file), got %d", cfg.Dispatcher.Workers)
	}
}

func TestLoad_RejectsInvalidGeometry(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
region:
  path: "/srv/region"
create:
  block_size: 1000
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Expected validation error for a block size that is not a power of two")
	}
	if !strings.Contains(err.Error(), "block size") {
		t.Errorf("Expected block size error, got: %v", err)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := GetDefaultConfig()
	cfg.Create.BlockSize = 4 * bytesize.KiB
	cfg.Dispatcher.Lossy = true
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("Expected mode 0600, got %o", perm)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Create.BlockSize != 4*bytesize.KiB {
		t.Errorf("Expected 4KiB block size after round trip, got %v", loaded.Create.BlockSize)
	}
	if !loaded.Dispatcher.Lossy {
		t.Error("Expected lossy dispatcher after round trip")
	}
}

func TestInitConfigToPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := InitConfigToPath(path, false); err != nil {
		t.Fatalf("InitConfigToPath failed: %v", err)
	}
	if err := InitConfigToPath(path, false); err == nil {
		t.Fatal("Expected error when config already exists")
	}
	if err := InitConfigToPath(path, true); err != nil {
		t.Fatalf("Forced InitConfigToPath failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if want := filepath.Join(filepath.Dir(path), "region"); cfg.Region.Path != want {
		t.Errorf("Expected region path %q, got %q", want, cfg.Region.Path)
	}
}

func TestGetConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")

	if dir := GetConfigDir(); dir != filepath.Join("/xdg", "downstairs") {
		t.Errorf("Expected XDG config dir, got %q", dir)
	}
	if path := GetDefaultConfigPath(); filepath.Base(path) != "config.yaml" {
		t.Errorf("Expected filename 'config.yaml', got %q", filepath.Base(path))
	}
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	if err != nil {
		t.Fatalf("Schema failed: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Schema is not valid JSON: %v", err)
	}
	props, ok := doc["properties"].(map[string]any)
	if !ok {
		t.Fatal("Schema has no properties")
	}
	for _, key := range []string{"logging", "region", "server", "dispatcher", "repair", "export"} {
		if _, ok := props[key]; !ok {
			t.Errorf("Schema is missing %q", key)
		}
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "config.yaml", "region:\n  path: /srv/region\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c *Config) { changes <- c }) }()

	// Rewrite until the watcher is registered and reports the change.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := os.WriteFile(path, []byte("logging:\n  level: warn\nregion:\n  path: /srv/region\n"), 0644); err != nil {
			t.Fatalf("Rewrite failed: %v", err)
		}
		select {
		case cfg := <-changes:
			if cfg.Logging.Level != "WARN" {
				t.Errorf("Expected reloaded level 'WARN', got %q", cfg.Logging.Level)
			}
			cancel()
			if err := <-done; err != nil {
				t.Errorf("Watch returned error: %v", err)
			}
			return
		case <-deadline:
			t.Fatal("Timed out waiting for configuration reload")
		case <-tick.C:
		}
	}
}
