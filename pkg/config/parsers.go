package config

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Flags holds command-line values and which of them were set.
type Flags struct {
	Addr   string
	DB     string
	Store  string
	Config string
	Set    map[string]bool
}

// EffectiveConfigResult is the merged configuration and where it came from.
type EffectiveConfigResult struct {
	Config *Config
	// Sources lists the layers that contributed, lowest precedence first.
	Sources []string
}

// ParseConfigFile resolves the config path and loads the YAML file. It
// returns the parsed config, a boolean indicating whether the file was
// present, and an error for fatal parsing problems.
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err := Load(cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// ParseConfigEnvs reads PACTCACHE_* variables into a fresh Config and
// reports whether any were set.
func ParseConfigEnvs() (*Config, bool, error) {
	cfg := &Config{}
	used := false
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
			used = true
		}
	}
	var errs error
	num := func(name string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "%s", name))
				return
			}
			*dst = n
			used = true
		}
	}
	flag := func(name string, dst *bool) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes":
				*dst = true
			default:
				*dst = false
			}
			used = true
		}
	}
	dur := func(name string, dst *Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "%s", name))
				return
			}
			*dst = d
			used = true
		}
	}

	if v := os.Getenv("PACTCACHE_ADDR"); v != "" {
		used = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	} else {
		str("PACTCACHE_SERVER_ADDRESS", &cfg.Server.Address)
		num("PACTCACHE_SERVER_PORT", &cfg.Server.Port)
	}

	str("PACTCACHE_URBIT_URL", &cfg.Urbit.URL)
	str("PACTCACHE_URBIT_SHIP", &cfg.Urbit.Ship)
	str("PACTCACHE_URBIT_CODE", &cfg.Urbit.Code)
	if v := strings.TrimSpace(os.Getenv("PACTCACHE_URBIT_POKE_RPS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "PACTCACHE_URBIT_POKE_RPS"))
		} else {
			cfg.Urbit.PokeRPS = f
			used = true
		}
	}
	num("PACTCACHE_URBIT_POKE_BURST", &cfg.Urbit.PokeBurst)

	str("PACTCACHE_STORE_MODE", &cfg.Store.Mode)
	str("PACTCACHE_DB_PATH", &cfg.Store.DBPath)

	num("PACTCACHE_BACKFILL_COUNT", &cfg.Cache.BackfillCount)
	dur("PACTCACHE_RESYNC_INTERVAL", &cfg.Cache.ResyncInterval)
	if v := os.Getenv("PACTCACHE_SUBSCRIBE"); v != "" {
		used = true
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				cfg.Cache.Subscribe = append(cfg.Cache.Subscribe, s)
			}
		}
	}

	flag("PACTCACHE_RETENTION_ENABLED", &cfg.Retention.Enabled)
	str("PACTCACHE_RETENTION_CRON", &cfg.Retention.Cron)
	dur("PACTCACHE_RETENTION_PERIOD", &cfg.Retention.Period)
	flag("PACTCACHE_RETENTION_DRY_RUN", &cfg.Retention.DryRun)

	str("PACTCACHE_LOG_LEVEL", &cfg.Logging.Level)
	return cfg, used, errs
}

// LoadEffectiveConfig layers the sources: env lowest, then the config
// file, then explicitly set flags. The result is not yet validated.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config, envUsed bool) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult
	if flags.Set["config"] && !fileExists {
		return res, errors.Newf("config file %s not found", flags.Config)
	}

	out := &Config{}
	if envUsed {
		overlay(out, envCfg)
		res.Sources = append(res.Sources, "env")
	}
	if fileExists {
		overlay(out, fileCfg)
		res.Sources = append(res.Sources, "config")
	}

	flagged := false
	if flags.Set["addr"] {
		flagged = true
		if h, p, err := net.SplitHostPort(flags.Addr); err == nil {
			out.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				out.Server.Port = pi
			}
		} else {
			return res, errors.Wrapf(err, "--addr %q", flags.Addr)
		}
	}
	if flags.Set["db"] {
		flagged = true
		out.Store.DBPath = flags.DB
	}
	if flags.Set["store"] {
		flagged = true
		out.Store.Mode = flags.Store
	}
	if flagged {
		res.Sources = append(res.Sources, "flags")
	}
	res.Config = out
	return res, nil
}

// overlay copies every non-zero setting of src over dst.
func overlay(dst, src *Config) {
	setStr(&dst.Server.Address, src.Server.Address)
	setInt(&dst.Server.Port, src.Server.Port)

	setStr(&dst.Urbit.URL, src.Urbit.URL)
	setStr(&dst.Urbit.Ship, src.Urbit.Ship)
	setStr(&dst.Urbit.Code, src.Urbit.Code)
	if src.Urbit.PokeRPS != 0 {
		dst.Urbit.PokeRPS = src.Urbit.PokeRPS
	}
	setInt(&dst.Urbit.PokeBurst, src.Urbit.PokeBurst)

	setInt(&dst.Cache.BackfillCount, src.Cache.BackfillCount)
	setInt(&dst.Cache.BatchSize, src.Cache.BatchSize)
	setInt(&dst.Cache.QueueCapacity, src.Cache.QueueCapacity)
	if src.Cache.NotifyDelay != 0 {
		dst.Cache.NotifyDelay = src.Cache.NotifyDelay
	}
	if src.Cache.ResyncInterval != 0 {
		dst.Cache.ResyncInterval = src.Cache.ResyncInterval
	}
	if src.Cache.MaxWritBytes != 0 {
		dst.Cache.MaxWritBytes = src.Cache.MaxWritBytes
	}
	if len(src.Cache.Subscribe) > 0 {
		dst.Cache.Subscribe = append([]string(nil), src.Cache.Subscribe...)
	}

	setStr(&dst.Store.Mode, src.Store.Mode)
	setStr(&dst.Store.DBPath, src.Store.DBPath)

	if src.Retention.Enabled {
		dst.Retention.Enabled = true
	}
	setStr(&dst.Retention.Cron, src.Retention.Cron)
	if src.Retention.Period != 0 {
		dst.Retention.Period = src.Retention.Period
	}
	setInt(&dst.Retention.BatchSize, src.Retention.BatchSize)
	if src.Retention.DryRun {
		dst.Retention.DryRun = true
	}

	setStr(&dst.Logging.Level, src.Logging.Level)
}

func setStr(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
