// Package config holds the indexer's runtime configuration: a flat
// JSON-file-backed struct, a DefaultConfig constructor, and a
// ValidateConfig function.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the indexer daemon's full runtime configuration.
type Config struct {
	// CoinName selects the coin.Params descriptor cmd/mewc-indexerd looks
	// up at startup.
	CoinName string `json:"coin_name"`
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	LogJSON  bool   `json:"log_json"`
	LogFile  string `json:"log_file"`

	// CacheMB is the flush threshold for combined caches.
	CacheMB uint64 `json:"cache_mb"`
	// BPWorkers and ClientWorkers size the block-processor and client-read
	// worker pools.
	BPWorkers     int `json:"bp_workers"`
	ClientWorkers int `json:"client_workers"`
	// WriteBadVoutsToFile enables diagnostic dumps of malformed scripts.
	WriteBadVoutsToFile bool `json:"write_bad_vouts_to_file"`
	// PollingDelay is the idle sleep between catch-up probes.
	PollingDelay time.Duration `json:"polling_delay"`

	// PrefetchWindow bounds how many blocks ahead of the tip may be
	// prefetched concurrently, independent of coin.Params.PrefetchLimit's
	// per-height scaling.
	PrefetchWindow int `json:"prefetch_window"`

	MetricsAddr string `json:"metrics_addr"`
}

// DefaultDataDir returns the default on-disk location for the index.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".mewc-index"
	}
	return filepath.Join(home, ".mewc-index")
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() Config {
	return Config{
		CoinName:       "meowcoin",
		DataDir:        DefaultDataDir(),
		LogLevel:       "info",
		LogJSON:        false,
		CacheMB:        1200,
		BPWorkers:      4,
		ClientWorkers:  8,
		PollingDelay:   3 * time.Second,
		PrefetchWindow: 64,
		MetricsAddr:    "127.0.0.1:9274",
	}
}

var allowedLogLevels = map[string]struct{}{
	"debug": {}, "info": {}, "warn": {}, "error": {},
}

// ValidateConfig rejects a Config with out-of-range or missing fields.
func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.CoinName) == "" {
		return errors.New("config: coin_name is required")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("config: data_dir is required")
	}
	level := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[level]; !ok {
		return fmt.Errorf("config: invalid log_level %q", cfg.LogLevel)
	}
	if cfg.CacheMB == 0 {
		return errors.New("config: cache_mb must be > 0")
	}
	if cfg.BPWorkers <= 0 {
		return errors.New("config: bp_workers must be > 0")
	}
	if cfg.ClientWorkers <= 0 {
		return errors.New("config: client_workers must be > 0")
	}
	if cfg.PollingDelay <= 0 {
		return errors.New("config: polling_delay must be > 0")
	}
	if cfg.PrefetchWindow <= 0 {
		return errors.New("config: prefetch_window must be > 0")
	}
	return nil
}

// Load reads a JSON config file at path, filling any zero-valued field
// from DefaultConfig first (so a partial file only overrides what it
// names).
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
