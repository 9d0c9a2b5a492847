package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"evrewards/backend/libs/logging"
	"evrewards/backend/services/rewards-service/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "rewards-service",
	Short:         "Charging reward ledger: session tracking, POS matching and wallets",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (env REWARDS_* overrides it)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(auditCmd)
}

// loadRuntime reads configuration and builds the logger for a command.
func loadRuntime() (*config.Config, *zap.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLoggerWithLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
