package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"evrewards/backend/services/rewards-service/internal/ids"
	"evrewards/backend/services/rewards-service/internal/models"
)

// WalletRepository persists wallet ledger entries and running balances.
type WalletRepository struct {
	db DBTX
}

// NewWalletRepository returns repository.
func NewWalletRepository(db DBTX) *WalletRepository {
	return &WalletRepository{db: db}
}

const walletEventColumns = `id, user_id, kind, source, amount_cents, merchant_id, idempotency_key, meta, created_at`

func scanWalletEvent(row rowScanner) (*models.WalletEvent, error) {
	var e models.WalletEvent
	var merchantID, key sql.NullString
	var meta []byte
	if err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.Kind,
		&e.Source,
		&e.AmountCents,
		&merchantID,
		&key,
		&meta,
		&e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.MerchantID = merchantID.String
	e.IdempotencyKey = key.String
	if err := json.Unmarshal(meta, &e.Meta); err != nil {
		return nil, fmt.Errorf("decode wallet meta: %w", err)
	}
	return &e, nil
}

// InsertEvent appends a ledger entry. created is false when the idempotency key is taken.
func (r *WalletRepository) InsertEvent(ctx context.Context, e *models.WalletEvent) (bool, error) {
	if e.ID == "" {
		e.ID = ids.NewULIDAt(e.CreatedAt)
	}
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return false, fmt.Errorf("encode wallet meta: %w", err)
	}
	const query = `
		INSERT INTO wallet_events (id, user_id, kind, source, amount_cents, merchant_id, idempotency_key, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query,
		e.ID,
		e.UserID,
		string(e.Kind),
		string(e.Source),
		e.AmountCents,
		nullString(e.MerchantID),
		nullString(e.IdempotencyKey),
		meta,
		e.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// GetByIdempotencyKey returns the entry carrying key.
func (r *WalletRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.WalletEvent, error) {
	const query = `SELECT ` + walletEventColumns + ` FROM wallet_events WHERE idempotency_key = $1`
	e, err := scanWalletEvent(r.db.QueryRowContext(ctx, query, key))
	if err != nil {
		return nil, notFound(err, models.ErrNotFound)
	}
	return e, nil
}

// AddToRunningBalance applies delta to the maintained total and returns the new value.
func (r *WalletRepository) AddToRunningBalance(ctx context.Context, userID string, delta int64, at time.Time) (int64, error) {
	const query = `
		INSERT INTO wallet_balances (user_id, balance_cents, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			balance_cents = wallet_balances.balance_cents + EXCLUDED.balance_cents,
			updated_at = EXCLUDED.updated_at
		RETURNING balance_cents
	`
	var balance int64
	if err := r.db.QueryRowContext(ctx, query, userID, delta, at).Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// RunningBalance returns the maintained total, zero for unknown users.
func (r *WalletRepository) RunningBalance(ctx context.Context, userID string) (int64, error) {
	const query = `SELECT balance_cents FROM wallet_balances WHERE user_id = $1`
	var balance int64
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

// SumEvents recomputes the balance from the ledger.
func (r *WalletRepository) SumEvents(ctx context.Context, userID string) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(CASE WHEN kind = 'debit' THEN -amount_cents ELSE amount_cents END), 0)
		FROM wallet_events
		WHERE user_id = $1
	`
	var sum int64
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

// ListEvents returns the latest entries of a user, newest first.
func (r *WalletRepository) ListEvents(ctx context.Context, userID string, limit int) ([]models.WalletEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT ` + walletEventColumns + `
		FROM wallet_events
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.WalletEvent
	for rows.Next() {
		e, err := scanWalletEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// ListAccountTotals pairs every running balance with its ledger recompute.
func (r *WalletRepository) ListAccountTotals(ctx context.Context) ([]models.AccountTotals, error) {
	const query = `
		WITH scanned AS (
			SELECT user_id, SUM(CASE WHEN kind = 'debit' THEN -amount_cents ELSE amount_cents END) AS total
			FROM wallet_events
			GROUP BY user_id
		)
		SELECT COALESCE(b.user_id, s.user_id), COALESCE(b.balance_cents, 0), COALESCE(s.total, 0)
		FROM wallet_balances b
		FULL OUTER JOIN scanned s ON s.user_id = b.user_id
		ORDER BY 1
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []models.AccountTotals
	for rows.Next() {
		var t models.AccountTotals
		if err := rows.Scan(&t.UserID, &t.RunningCents, &t.ScannedCents); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return totals, nil
}
