package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "listen_address: \"127.0.0.1:9050\"\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.BufferSize != DefaultBufferSize {
		t.Fatalf("expected default buffer size, got %d", cfg.BufferSize)
	}
	if cfg.MaxConnections != DefaultMaxConnections {
		t.Fatalf("expected default max connections, got %d", cfg.MaxConnections)
	}
	if cfg.Log.Level != DefaultLogLevel {
		t.Fatalf("expected default log level, got %q", cfg.Log.Level)
	}
}

func TestLoadFileParsesUsers(t *testing.T) {
	path := writeConfig(t, "listen_address: \"127.0.0.1:9050\"\nusers:\n  alice: secret\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Users["alice"] != "secret" {
		t.Fatalf("expected alice's password to be parsed, got %q", cfg.Users["alice"])
	}
}

func TestValidateRejectsBadListenAddress(t *testing.T) {
	cfg := Defaults()
	cfg.ListenAddress = "not-an-address"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for malformed listen_address")
	}
}

func TestValidateRejectsOversizedBuffer(t *testing.T) {
	cfg := Defaults()
	cfg.BufferSize = 1 << 20
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for oversized buffer_size")
	}
}

func TestValidateRejectsNonPositiveMaxConnections(t *testing.T) {
	cfg := Defaults()
	cfg.MaxConnections = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero max_connections")
	}
}
