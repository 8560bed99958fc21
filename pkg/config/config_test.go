package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadDefaults verifies a missing path yields usable defaults.
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Server.Port != 8086 {
		t.Errorf("default port %d", cfg.Server.Port)
	}
	if cfg.Store.Type != "sqlite" {
		t.Errorf("default store %q", cfg.Store.Type)
	}
}

// TestLoadFile verifies YAML values override defaults.
func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
store:
  type: memory
banned_words:
  - forbidden
accounts:
  - channel_id: "c1"
    guild_id: "g1"
    enabled: true
    enable_mj: true
    core_size: 3
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port %d, want 9090", cfg.Server.Port)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("store %q", cfg.Store.Type)
	}
	if len(cfg.Accounts) != 1 || cfg.Accounts[0].ChannelID != "c1" {
		t.Fatalf("accounts not parsed: %+v", cfg.Accounts)
	}
	if cfg.Accounts[0].CoreSize != 3 {
		t.Errorf("account core size %d", cfg.Accounts[0].CoreSize)
	}
}

// TestLoadRejectsBadStore verifies validation of the store type.
func TestLoadRejectsBadStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("store:\n  type: etcd\n"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("invalid store type accepted")
	}
}

// TestProviderSwap verifies snapshot readers see the published config.
func TestProviderSwap(t *testing.T) {
	first := defaults()
	p := NewProvider(first)
	if p.Snapshot() != first {
		t.Fatal("initial snapshot mismatch")
	}
	second := defaults()
	second.NotifyURL = "https://hooks.example/x"
	p.Swap(second)
	if p.Snapshot().NotifyURL != "https://hooks.example/x" {
		t.Error("swapped snapshot not visible")
	}
}
