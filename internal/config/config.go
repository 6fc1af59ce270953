// Package config handles loading and parsing the process-wide
// `.iMi/config.toml` file — settings that apply across every registered
// cluster, as distinct from the per-cluster `registry.toml` cache
// (see package localstore).
package config

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the top-level process configuration.
type Config struct {
	// DBPath is the control-plane SQLite database file. Defaults to
	// "$HOME/.iMi/registry.db".
	DBPath string `toml:"db_path,omitempty"`
	// ScanRoot overrides the default discovery scan root ("$HOME/code").
	ScanRoot string `toml:"scan_root,omitempty"`
	// DefaultBranch is used when a repository's remote HEAD cannot be
	// determined during init.
	DefaultBranch string `toml:"default_branch,omitempty"`
}

// Default returns the built-in defaults, rooted at home (typically
// os.UserHomeDir()).
func Default(home string) Config {
	return Config{
		DBPath:        filepath.Join(home, ".iMi", "registry.db"),
		ScanRoot:      filepath.Join(home, "code"),
		DefaultBranch: "main",
	}
}

// Load reads and parses path, applying defaults rooted at home for any
// field the file leaves unset. A missing file is not an error — it
// yields the defaults, with the environment overrides still applied.
func Load(path, home string) (Config, error) {
	cfg := Default(home)

	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied, not user input from an untrusted source
	if err != nil && !os.IsNotExist(err) {
		return Config{}, err
	}

	var fileCfg Config
	if _, err := toml.Decode(string(data), &fileCfg); err != nil {
		return Config{}, err
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.ScanRoot != "" {
		cfg.ScanRoot = fileCfg.ScanRoot
	}
	if fileCfg.DefaultBranch != "" {
		cfg.DefaultBranch = fileCfg.DefaultBranch
	}

	// Environment overrides take precedence over the file.
	if v := os.Getenv("IMI_SCAN_ROOT"); v != "" {
		cfg.ScanRoot = v
	}
	if v := os.Getenv("IMI_DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	return cfg, nil
}

// Marshal renders cfg as pretty-printed TOML.
func (c Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
