// Package config loads ledgerdb's TOML configuration.
package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"

	"golang.org/x/crypto/chacha20poly1305"
)

// Config is the on-disk configuration for the ledgerdb server and CLI.
type Config struct {
	// Degree is the B-tree degree applied to every account tree.
	Degree int `toml:"degree"`
	// DataDir is the root of the persisted node directories.
	DataDir string `toml:"data_dir"`
	// ListenAddr is the HTTP server bind address.
	ListenAddr string `toml:"listen_addr"`
	// EncryptionKey is a hex-encoded 32-byte key for at-rest node blob
	// encryption. Empty disables encryption.
	EncryptionKey string `toml:"encryption_key"`
	// Autosave is how often the server flushes the ledger; zero disables
	// the autosave loop.
	Autosave time.Duration `toml:"autosave"`
	// Seed fixes the engine RNGs for reproducible runs; zero randomizes.
	Seed int64 `toml:"seed"`
}

// Default returns the configuration a bare server runs with.
func Default() Config {
	return Config{
		Degree:     100,
		DataDir:    "ledgerdb-data",
		ListenAddr: ":8462",
	}
}

// Load reads a TOML config from path on fs, filling unset fields with
// defaults. A missing file yields the defaults.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	ok, err := afero.Exists(fs, path)
	if err != nil {
		return cfg, fmt.Errorf("failed to probe config %s: %w", path, err)
	}
	if !ok {
		return cfg, nil
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if c.Degree < 2 {
		return fmt.Errorf("degree must be at least 2, got %d", c.Degree)
	}
	if c.EncryptionKey != "" {
		key, err := hex.DecodeString(c.EncryptionKey)
		if err != nil {
			return fmt.Errorf("encryption_key is not valid hex: %w", err)
		}
		if len(key) != chacha20poly1305.KeySize {
			return fmt.Errorf("encryption_key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
		}
	}
	return nil
}

// Key returns the decoded encryption key, or nil when encryption is off.
// Call Validate first; malformed keys return nil here.
func (c Config) Key() []byte {
	if c.EncryptionKey == "" {
		return nil
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil
	}
	return key
}
