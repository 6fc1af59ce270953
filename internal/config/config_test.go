package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default("/home/dev")
	if cfg.DBPath != filepath.Join("/home/dev", ".iMi", "registry.db") {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.ScanRoot != filepath.Join("/home/dev", "code") {
		t.Errorf("ScanRoot = %q", cfg.ScanRoot)
	}
	if cfg.DefaultBranch != "main" {
		t.Errorf("DefaultBranch = %q, want main", cfg.DefaultBranch)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "config.toml"), dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != filepath.Join(dir, ".iMi", "registry.db") {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(`scan_root = "/custom/scan"`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path, dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ScanRoot != "/custom/scan" {
		t.Errorf("ScanRoot = %q, want /custom/scan", cfg.ScanRoot)
	}
	if cfg.DBPath != filepath.Join(dir, ".iMi", "registry.db") {
		t.Errorf("DBPath should keep default, got %q", cfg.DBPath)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(`scan_root = "/custom/scan"`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("IMI_SCAN_ROOT", "/env/scan")
	cfg, err := Load(path, dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ScanRoot != "/env/scan" {
		t.Errorf("ScanRoot = %q, want /env/scan (env should win)", cfg.ScanRoot)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default("/home/dev")
	data, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path, "/home/dev")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != cfg {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, cfg)
	}
}
