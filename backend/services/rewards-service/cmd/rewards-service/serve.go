package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, location stream, broker consumer and sweeper",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync()

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to init rewards service", zap.Error(err))
		return err
	}
	defer application.Close()

	logger.Info("rewards service starting", zap.String("addr", cfg.HTTPAddress()), zap.String("version", Version))
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("rewards service stopped with error", zap.Error(err))
		return err
	}
	logger.Info("rewards service stopped")
	return nil
}
