package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"pactcache/internal/app"
	"pactcache/pkg/logger"
	"pactcache/pkg/shutdown"
)

func init() {
	serveCmd.Flags().String("addr", "", "listen address host:port")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Mirror the configured conversations and serve the HTTP API",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		eff, err := loadConfig(cmd)
		if err != nil {
			shutdown.Abort("invalid configuration", err, "")
			return
		}
		defer logger.Sync()
		logger.Info("effective_config_loaded", "sources", eff.Sources, "addr", eff.Config.Addr(), "store", eff.Config.Store.Mode)

		ctx, cancel := shutdown.SetupSignalHandler(context.Background())
		defer cancel()

		a, err := app.New(ctx, eff, version, commit, buildDate)
		if err != nil {
			shutdown.Abort("failed to initialize app", err, eff.Config.Store.DBPath)
			return
		}
		if err := a.Run(ctx); err != nil {
			shutdown.Abort("app run failed", err, eff.Config.Store.DBPath)
			return
		}

		// bounded so teardown cannot hang forever
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer shutdownCancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown_failed", "error", err)
		}
	},
}
