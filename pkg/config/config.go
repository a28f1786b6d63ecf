// Package config loads the service configuration from a YAML file, the
// PACTCACHE_* environment and command-line flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"pactcache/pkg/models"
)

// Defaults filled in by Validate.
const (
	DefaultAddress        = "0.0.0.0"
	DefaultPort           = 8080
	DefaultDBPath         = "./.pactcache"
	DefaultResyncInterval = 30 * time.Second
	DefaultMaxWritBytes   = 64 << 10
	DefaultRetentionCron  = "0 3 * * *"
	DefaultRetentionAge   = 30 * 24 * time.Hour
	DefaultRetentionBatch = 1000
)

// ErrInvalid marks a configuration that cannot be started.
var ErrInvalid = errors.New("invalid configuration")

// Addr returns host:port for HTTP server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = DefaultAddress
	}
	p := c.Server.Port
	if p == 0 {
		p = DefaultPort
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// Load reads a YAML config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return &cfg, nil
}

// ResolveConfigPath decides the config file path using the flag-provided value
// and the environment variable `PACTCACHE_CONFIG` when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("PACTCACHE_CONFIG"); p != "" {
		return p
	}
	return flagPath
}

func invalid(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalid)
}

// Validate fills defaults and fails fast on settings that cannot work.
// Zero cache sizes are left for the reconciler to default.
func Validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		cfg.Server.Address = DefaultAddress
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return invalid("server.port %d out of range", cfg.Server.Port)
	}

	mode := strings.ToLower(strings.TrimSpace(cfg.Store.Mode))
	if mode == "" {
		mode = StoreLocal
		if cfg.Urbit.URL != "" {
			mode = StoreUrbit
		}
	}
	cfg.Store.Mode = mode
	switch mode {
	case StoreUrbit:
		if cfg.Urbit.URL == "" {
			return invalid("store.mode is urbit but urbit.url is empty: set urbit.url or PACTCACHE_URBIT_URL")
		}
		if cfg.Urbit.Code == "" {
			return invalid("urbit.code is empty: set urbit.code or PACTCACHE_URBIT_CODE")
		}
		if cfg.Urbit.Ship != "" && !strings.HasPrefix(cfg.Urbit.Ship, "~") {
			cfg.Urbit.Ship = "~" + cfg.Urbit.Ship
		}
	case StoreLocal:
		if cfg.Urbit.Ship == "" {
			cfg.Urbit.Ship = "~zod"
		}
	default:
		return invalid("unknown store.mode %q: want urbit or local", cfg.Store.Mode)
	}
	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = DefaultDBPath
	}
	if cfg.Urbit.PokeRPS < 0 || cfg.Urbit.PokeBurst < 0 {
		return invalid("urbit.poke_rps and urbit.poke_burst must not be negative")
	}

	c := &cfg.Cache
	if c.BackfillCount < 0 || c.BatchSize < 0 || c.QueueCapacity < 0 {
		return invalid("cache sizes must not be negative")
	}
	if c.ResyncInterval == 0 {
		c.ResyncInterval = Duration(DefaultResyncInterval)
	}
	if c.MaxWritBytes == 0 {
		c.MaxWritBytes = DefaultMaxWritBytes
	}
	for _, s := range c.Subscribe {
		if _, err := models.ParseWhom(s); err != nil {
			return errors.Mark(errors.Wrap(err, "cache.subscribe"), ErrInvalid)
		}
	}

	r := &cfg.Retention
	if r.Cron == "" {
		r.Cron = DefaultRetentionCron
	}
	if r.Enabled && !gronx.IsValid(r.Cron) {
		return invalid("invalid retention cron expression: %s", r.Cron)
	}
	if r.Period == 0 {
		r.Period = Duration(DefaultRetentionAge)
	}
	if r.BatchSize <= 0 {
		r.BatchSize = DefaultRetentionBatch
	}
	if r.Enabled && mode != StoreLocal {
		return invalid("retention purges the local store: set store.mode local or disable retention")
	}
	return nil
}

// Summary lists the effective settings for the startup banner. The ship
// code is never printed.
func (c *Config) Summary() []string {
	items := []string{
		"listen: " + c.Addr(),
		"store: " + c.Store.Mode,
	}
	if c.Store.Mode == StoreUrbit {
		items = append(items, "ship: "+c.Urbit.URL+" as "+c.Urbit.Ship)
		if c.Urbit.PokeRPS > 0 {
			items = append(items, fmt.Sprintf("poke limit: %g/s burst %d", c.Urbit.PokeRPS, max(c.Urbit.PokeBurst, 1)))
		}
	} else {
		items = append(items, "db path: "+c.Store.DBPath)
	}
	items = append(items,
		"backfill: "+orDefault(c.Cache.BackfillCount),
		"resync every: "+c.Cache.ResyncInterval.String(),
		"max writ size: "+c.Cache.MaxWritBytes.String(),
	)
	if c.Retention.Enabled {
		items = append(items, fmt.Sprintf("retention: %q purging tombstones older than %s (dry run %t)",
			c.Retention.Cron, c.Retention.Period, c.Retention.DryRun))
	}
	return items
}

func orDefault(n int) string {
	if n == 0 {
		return "default"
	}
	return fmt.Sprint(n)
}
