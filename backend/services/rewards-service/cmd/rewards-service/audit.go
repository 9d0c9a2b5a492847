package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"evrewards/backend/services/rewards-service/internal/app"
)

var auditUsers []string

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Compare maintained balances and follow counters against the ledger",
	Long: `Compare every wallet's running balance with a full scan of its ledger
entries, and optionally check the cached follower counters of the given users.

The command exits non-zero when any drift is found.

Examples:
  rewards-service audit
  rewards-service audit --user alice --user bob`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringSliceVarP(&auditUsers, "user", "u", nil, "also audit follow counters of these users")
}

func runAudit(cmd *cobra.Command, args []string) error {
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

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	drifted, err := core.Services.Ledger.AuditBalances(ctx)
	if err != nil {
		return err
	}
	for _, t := range drifted {
		fmt.Fprintf(out, "balance drift: user=%s running=%d scanned=%d\n", t.UserID, t.RunningCents, t.ScannedCents)
	}

	var mismatches []error
	for _, user := range auditUsers {
		if err := core.Services.Reputation.AuditFollowCounts(ctx, user); err != nil {
			fmt.Fprintln(out, err)
			mismatches = append(mismatches, err)
		}
	}

	if len(drifted) > 0 || len(mismatches) > 0 {
		return errors.Join(append([]error{
			fmt.Errorf("audit failed: %d drifted balances, %d counter mismatches", len(drifted), len(mismatches)),
		}, mismatches...)...)
	}
	fmt.Fprintln(out, "audit ok")
	return nil
}
