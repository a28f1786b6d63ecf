package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Urbit     UrbitConfig     `yaml:"urbit"`
	Cache     CacheConfig     `yaml:"cache"`
	Store     StoreConfig     `yaml:"store"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the inspection API listener.
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// UrbitConfig points at the ship whose chat agent is the source of truth.
type UrbitConfig struct {
	URL  string `yaml:"url"`
	Ship string `yaml:"ship"`
	// Code is the ship's +code, used to log in to Eyre.
	Code      string  `yaml:"code"`
	PokeRPS   float64 `yaml:"poke_rps"`
	PokeBurst int     `yaml:"poke_burst"`
}

// CacheConfig tunes the per-conversation reconcilers.
type CacheConfig struct {
	BackfillCount  int       `yaml:"backfill_count"`
	BatchSize      int       `yaml:"batch_size"`
	QueueCapacity  int       `yaml:"queue_capacity"`
	NotifyDelay    Duration  `yaml:"notify_delay"`
	ResyncInterval Duration  `yaml:"resync_interval"`
	MaxWritBytes   SizeBytes `yaml:"max_writ_bytes"`
	// Subscribe lists conversations to mirror at startup.
	Subscribe []string `yaml:"subscribe"`
}

// StoreConfig selects the backing store.
type StoreConfig struct {
	Mode   string `yaml:"mode"` // urbit | local
	DBPath string `yaml:"db_path"`
}

const (
	StoreUrbit = "urbit"
	StoreLocal = "local"
)

// RetentionConfig holds configuration for the tombstone purge runner.
type RetentionConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Cron      string   `yaml:"cron"`
	Period    Duration `yaml:"period"`
	BatchSize int      `yaml:"batch_size"`
	DryRun    bool     `yaml:"dry_run"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64KB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSize reads "64KB", "1 MiB" or a plain byte count.
func ParseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, errors.Newf("invalid size value: %q", raw)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ParseDuration reads a Go duration ("250ms", "720h") or plain seconds.
func ParseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, errors.Newf("invalid duration value: %q", raw)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }
