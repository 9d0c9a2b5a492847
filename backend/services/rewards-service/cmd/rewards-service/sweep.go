package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"evrewards/backend/services/rewards-service/internal/app"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one idle-close and reconciliation pass and print the report",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync()

	core, err := app.NewCore(cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	report, err := core.Sweeper.RunOnce(cmd.Context())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
