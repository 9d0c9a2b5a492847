package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/ids"
	"evrewards/backend/services/rewards-service/internal/metrics"
	"evrewards/backend/services/rewards-service/internal/models"
	"evrewards/backend/services/rewards-service/internal/store"
)

// CreditRequest describes a wallet credit. IdempotencyKey is mandatory.
type CreditRequest struct {
	UserID      string
	AmountCents int64
	Source      models.WalletSource
	MerchantID  string
	// SettleCents is the merchant pending contribution; zero means AmountCents.
	SettleCents    int64
	IdempotencyKey string
	Meta           models.WalletMeta
}

// DebitRequest describes a wallet debit. IdempotencyKey is optional.
type DebitRequest struct {
	UserID         string
	AmountCents    int64
	Source         models.WalletSource
	IdempotencyKey string
	Meta           models.WalletMeta
}

// WalletLedger appends wallet entries and maintains running and merchant balances.
type WalletLedger struct {
	store  store.Store
	logger *zap.Logger
}

// NewWalletLedger builds ledger.
func NewWalletLedger(st store.Store, logger *zap.Logger) *WalletLedger {
	return &WalletLedger{store: st, logger: logger}
}

// Credit posts a credit in its own transaction.
func (l *WalletLedger) Credit(ctx context.Context, req CreditRequest) (models.CreditResult, error) {
	var result models.CreditResult
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		result, err = l.CreditInTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return models.CreditResult{}, err
	}
	l.observe(result)
	return result, nil
}

// CreditInTx posts a credit inside the caller's transaction. A reused idempotency key is
// reported as Duplicate with the original entry, never as an error.
func (l *WalletLedger) CreditInTx(ctx context.Context, tx store.Tx, req CreditRequest) (models.CreditResult, error) {
	switch {
	case req.UserID == "":
		return models.CreditResult{}, fmt.Errorf("%w: user id is required", models.ErrValidation)
	case req.AmountCents <= 0:
		return models.CreditResult{}, models.ErrNonPositiveAmt
	case req.IdempotencyKey == "":
		return models.CreditResult{}, fmt.Errorf("%w: credits require an idempotency key", models.ErrValidation)
	}
	now := timeNow()

	event := models.WalletEvent{
		ID:             ids.NewULIDAt(now),
		UserID:         req.UserID,
		Kind:           models.WalletCredit,
		Source:         req.Source,
		AmountCents:    req.AmountCents,
		MerchantID:     req.MerchantID,
		IdempotencyKey: req.IdempotencyKey,
		Meta:           req.Meta,
		CreatedAt:      now,
	}
	created, err := tx.Wallet().InsertEvent(ctx, &event)
	if err != nil {
		return models.CreditResult{}, err
	}
	if !created {
		existing, err := tx.Wallet().GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return models.CreditResult{}, err
		}
		return models.CreditResult{Event: *existing, Duplicate: true}, nil
	}

	if _, err := tx.Wallet().AddToRunningBalance(ctx, req.UserID, req.AmountCents, now); err != nil {
		return models.CreditResult{}, err
	}
	if req.MerchantID != "" {
		settle := req.SettleCents
		if settle <= 0 {
			settle = req.AmountCents
		}
		if err := tx.Merchants().AddPending(ctx, req.MerchantID, settle, 0, now); err != nil {
			return models.CreditResult{}, err
		}
	}
	return models.CreditResult{Event: event}, nil
}

// Debit posts a debit. A debit that would make the balance negative fails with ErrNegativeBalance.
func (l *WalletLedger) Debit(ctx context.Context, req DebitRequest) (models.CreditResult, error) {
	switch {
	case req.UserID == "":
		return models.CreditResult{}, fmt.Errorf("%w: user id is required", models.ErrValidation)
	case req.AmountCents <= 0:
		return models.CreditResult{}, models.ErrNonPositiveAmt
	}
	if req.Source == "" {
		req.Source = models.SourceRedemption
	}

	var result models.CreditResult
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := timeNow()
		result = models.CreditResult{}
		event := models.WalletEvent{
			ID:             ids.NewULIDAt(now),
			UserID:         req.UserID,
			Kind:           models.WalletDebit,
			Source:         req.Source,
			AmountCents:    req.AmountCents,
			IdempotencyKey: req.IdempotencyKey,
			Meta:           req.Meta,
			CreatedAt:      now,
		}
		created, err := tx.Wallet().InsertEvent(ctx, &event)
		if err != nil {
			return err
		}
		if !created {
			existing, err := tx.Wallet().GetByIdempotencyKey(ctx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			result = models.CreditResult{Event: *existing, Duplicate: true}
			return nil
		}
		balance, err := tx.Wallet().AddToRunningBalance(ctx, req.UserID, -req.AmountCents, now)
		if err != nil {
			return err
		}
		if balance < 0 {
			return fmt.Errorf("%w: user %s would hold %d", models.ErrNegativeBalance, req.UserID, balance)
		}
		result = models.CreditResult{Event: event}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrInvariantViolation) {
			l.logger.Error("debit rejected", zap.String("user_id", req.UserID), zap.Int64("amount_cents", req.AmountCents), zap.Error(err))
		}
		return models.CreditResult{}, err
	}
	l.observe(result)
	return result, nil
}

// Balance returns the maintained running balance.
func (l *WalletLedger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		balance, err = tx.Wallet().RunningBalance(ctx, userID)
		return err
	})
	return balance, err
}

// ScanBalance recomputes the balance as the signed sum of all entries.
func (l *WalletLedger) ScanBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		balance, err = tx.Wallet().SumEvents(ctx, userID)
		return err
	})
	return balance, err
}

// VerifyBalance fails with ErrBalanceDrift when running and scanned totals differ.
func (l *WalletLedger) VerifyBalance(ctx context.Context, userID string) error {
	var totals models.AccountTotals
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		running, err := tx.Wallet().RunningBalance(ctx, userID)
		if err != nil {
			return err
		}
		scanned, err := tx.Wallet().SumEvents(ctx, userID)
		if err != nil {
			return err
		}
		totals = models.AccountTotals{UserID: userID, RunningCents: running, ScannedCents: scanned}
		return nil
	})
	if err != nil {
		return err
	}
	if totals.Drifted() {
		return fmt.Errorf("%w: user %s running %d scanned %d", models.ErrBalanceDrift, userID, totals.RunningCents, totals.ScannedCents)
	}
	return nil
}

// AuditBalances returns every account whose running total diverged from the ledger scan.
func (l *WalletLedger) AuditBalances(ctx context.Context) ([]models.AccountTotals, error) {
	var totals []models.AccountTotals
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		totals, err = tx.Wallet().ListAccountTotals(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	var drifted []models.AccountTotals
	for _, t := range totals {
		if !t.Drifted() {
			continue
		}
		drifted = append(drifted, t)
		l.logger.Error("wallet balance drift",
			zap.String("user_id", t.UserID),
			zap.Int64("running_cents", t.RunningCents),
			zap.Int64("scanned_cents", t.ScannedCents),
		)
	}
	metrics.DriftAccounts(len(drifted))
	return drifted, nil
}

// History returns the latest entries of a user, newest first.
func (l *WalletLedger) History(ctx context.Context, userID string, limit int) ([]models.WalletEvent, error) {
	var events []models.WalletEvent
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		events, err = tx.Wallet().ListEvents(ctx, userID, limit)
		return err
	})
	return events, err
}

// MerchantBalance returns the settlement aggregate of a merchant.
func (l *WalletLedger) MerchantBalance(ctx context.Context, merchantID string) (*models.MerchantBalance, error) {
	var balance *models.MerchantBalance
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		balance, err = tx.Merchants().GetBalance(ctx, merchantID)
		return err
	})
	return balance, err
}

// RecordPayout moves a settled amount from pending to paid, once per payoutRef.
func (l *WalletLedger) RecordPayout(ctx context.Context, merchantID, payoutRef string, amountCents int64) (models.MerchantPayout, bool, error) {
	switch {
	case merchantID == "" || payoutRef == "":
		return models.MerchantPayout{}, false, fmt.Errorf("%w: merchant id and payout ref are required", models.ErrValidation)
	case amountCents <= 0:
		return models.MerchantPayout{}, false, models.ErrNonPositiveAmt
	}

	var payout models.MerchantPayout
	var duplicate bool
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := timeNow()
		payout = models.MerchantPayout{
			MerchantID:  merchantID,
			PayoutRef:   payoutRef,
			AmountCents: amountCents,
			CreatedAt:   now,
		}
		created, err := tx.Merchants().InsertPayout(ctx, &payout)
		if err != nil {
			return err
		}
		duplicate = !created
		if duplicate {
			return nil
		}
		return tx.Merchants().ApplyPayout(ctx, merchantID, amountCents, now)
	})
	if err != nil {
		if errors.Is(err, models.ErrInvariantViolation) {
			l.logger.Error("payout rejected", zap.String("merchant_id", merchantID), zap.String("payout_ref", payoutRef), zap.Error(err))
		}
		return models.MerchantPayout{}, false, err
	}
	if !duplicate {
		l.logger.Info("merchant payout recorded",
			zap.String("merchant_id", merchantID),
			zap.String("payout_ref", payoutRef),
			zap.Int64("amount_cents", amountCents),
		)
	}
	return payout, duplicate, nil
}

func (l *WalletLedger) observe(result models.CreditResult) {
	e := result.Event
	metrics.WalletPosting(string(e.Kind), string(e.Source), e.AmountCents, result.Duplicate)
	if result.Duplicate {
		l.logger.Debug("duplicate wallet posting", zap.String("idempotency_key", e.IdempotencyKey), zap.String("user_id", e.UserID))
		return
	}
	l.logger.Info("wallet posting",
		zap.String("wallet_event_id", e.ID),
		zap.String("user_id", e.UserID),
		zap.String("kind", string(e.Kind)),
		zap.String("source", string(e.Source)),
		zap.Int64("amount_cents", e.AmountCents),
		zap.String("idempotency_key", e.IdempotencyKey),
	)
}
