package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pactcache/pkg/config"
	"pactcache/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "pactcache",
	Short: "Conversation cache and merge engine for Urbit chat",
	Long: `pactcache mirrors chat conversations from an Urbit ship (or a local
pebble store) into ordered in-memory caches, merges optimistic local writes
with the authoritative feed and serves the result over HTTP.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "config.yaml", "config file path (or PACTCACHE_CONFIG)")
	pf.String("store", "", "backing store: urbit or local")
	pf.String("db", "", "pebble directory for the local store")
	pf.String("log-level", "", "debug, info, warn or error")
}

// loadConfig layers env, config file and flags, validates the result and
// starts the logger at the configured level.
func loadConfig(cmd *cobra.Command) (config.EffectiveConfigResult, error) {
	flags := config.Flags{Set: map[string]bool{}}
	fs := cmd.Flags()
	for name, dst := range map[string]*string{
		"config": &flags.Config,
		"store":  &flags.Store,
		"db":     &flags.DB,
		"addr":   &flags.Addr,
	} {
		if fs.Lookup(name) == nil {
			continue
		}
		v, err := fs.GetString(name)
		if err != nil {
			return config.EffectiveConfigResult{}, err
		}
		*dst = v
		flags.Set[name] = fs.Changed(name)
	}

	fileCfg, fileExists, err := config.ParseConfigFile(flags)
	if err != nil {
		return config.EffectiveConfigResult{}, err
	}
	envCfg, envUsed, err := config.ParseConfigEnvs()
	if err != nil {
		return config.EffectiveConfigResult{}, err
	}
	eff, err := config.LoadEffectiveConfig(flags, fileCfg, fileExists, envCfg, envUsed)
	if err != nil {
		return eff, err
	}
	if lvl, _ := fs.GetString("log-level"); lvl != "" {
		eff.Config.Logging.Level = lvl
	}
	if err := config.Validate(eff.Config); err != nil {
		return eff, err
	}
	logger.InitWithLevel(eff.Config.Logging.Level)
	return eff, nil
}
