package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matheus3301/wppcache/internal/batch"
	"github.com/matheus3301/wppcache/internal/cache"
	"go.uber.org/zap/zapcore"
)

// Config represents the global ~/.wpp/config.toml.
type Config struct {
	DefaultSession string   `toml:"default_session"`
	UserID         string   `toml:"user_id"`
	LogLevel       string   `toml:"log_level"`
	Cache          Cache    `toml:"cache"`
	Receipts       Receipts `toml:"receipts"`
}

// Cache bounds the client-side message cache. A negative TTL or capacity
// disables that bound.
type Cache struct {
	TTL      Duration `toml:"ttl"`
	Capacity int      `toml:"capacity"`
}

// Receipts tunes read receipt batching.
type Receipts struct {
	BatchSize int      `toml:"batch_size"`
	Debounce  Duration `toml:"debounce"`
}

// Duration is a time.Duration written as a string ("24h", "500ms").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Cache: Cache{
			TTL:      Duration{cache.DefaultTTL},
			Capacity: cache.DefaultCapacity,
		},
		Receipts: Receipts{
			BatchSize: batch.DefaultMaxBatchSize,
			Debounce:  Duration{batch.DefaultDebounce},
		},
	}
}

// Load reads config from the given path on top of Default. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values Load cannot catch while decoding.
func (c *Config) Validate() error {
	if strings.Contains(c.UserID, ".") {
		return fmt.Errorf("user_id %q: must not contain dots", c.UserID)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.Receipts.BatchSize < 0 {
		return fmt.Errorf("receipts.batch_size %d: must not be negative", c.Receipts.BatchSize)
	}
	if c.Receipts.Debounce.Duration < 0 {
		return fmt.Errorf("receipts.debounce %s: must not be negative", c.Receipts.Debounce)
	}
	return nil
}

// Retention returns the cache bounds in the form the cache package takes.
func (c *Config) Retention() cache.Retention {
	return cache.Retention{TTL: c.Cache.TTL.Duration, Capacity: c.Cache.Capacity}
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
