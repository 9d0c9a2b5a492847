package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"evrewards/backend/services/rewards-service/internal/config"
	"evrewards/backend/services/rewards-service/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the Postgres schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply every pending migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := postgresConfig()
		if err != nil {
			return err
		}
		if err := db.MigrateUp(cfg.Database.DSN); err != nil {
			return err
		}
		return printVersion(cmd, cfg.Database.DSN)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down [steps]",
	Short: "Roll back migrations (default one step)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps := 1
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("steps must be a positive integer, got %q", args[0])
			}
			steps = n
		}
		cfg, err := postgresConfig()
		if err != nil {
			return err
		}
		if err := db.MigrateDown(cfg.Database.DSN, steps); err != nil {
			return err
		}
		return printVersion(cmd, cfg.Database.DSN)
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := postgresConfig()
		if err != nil {
			return err
		}
		return printVersion(cmd, cfg.Database.DSN)
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
}

func postgresConfig() (*config.Config, error) {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return nil, err
	}
	_ = logger.Sync()
	if cfg.Database.Driver != config.DriverPostgres {
		return nil, errors.New("migrations require the postgres driver")
	}
	return cfg, nil
}

func printVersion(cmd *cobra.Command, dsn string) error {
	version, dirty, err := db.MigrationVersion(dsn)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
	return nil
}
