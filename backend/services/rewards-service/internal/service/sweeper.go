package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper runs the periodic maintenance passes.
type Sweeper struct {
	tracker       *SessionTracker
	reconciler    *MatchReconciler
	ledger        *WalletLedger
	interval      time.Duration
	auditInterval time.Duration
	batchSize     int
	logger        *zap.Logger
}

// NewSweeper builds sweeper. A zero auditInterval disables the balance audit.
func NewSweeper(tracker *SessionTracker, reconciler *MatchReconciler, ledger *WalletLedger, interval, auditInterval time.Duration, batchSize int, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Sweeper{
		tracker:       tracker,
		reconciler:    reconciler,
		ledger:        ledger,
		interval:      interval,
		auditInterval: auditInterval,
		batchSize:     batchSize,
		logger:        logger,
	}
}

// Run loops until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var audit <-chan time.Time
	if s.auditInterval > 0 {
		auditTicker := time.NewTicker(s.auditInterval)
		defer auditTicker.Stop()
		audit = auditTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("sweep failed", zap.Error(err))
			}
		case <-audit:
			if _, err := s.ledger.AuditBalances(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("balance audit failed", zap.Error(err))
			}
		}
	}
}

// RunOnce closes idle sessions and then reconciles pending events.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	closed, err := s.tracker.AutoCloseIdle(ctx, s.batchSize)
	if err != nil {
		return SweepReport{}, err
	}
	report, err := s.reconciler.Sweep(ctx)
	if err != nil {
		return report, err
	}
	s.logger.Debug("sweep finished", zap.Int("idle_closed", closed), zap.Int("scanned", report.Scanned))
	return report, nil
}
