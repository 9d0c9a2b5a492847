package repository

import (
	"context"
	"database/sql"
	"time"

	"evrewards/backend/services/rewards-service/internal/ids"
	"evrewards/backend/services/rewards-service/internal/models"
)

// FollowRepository persists the follow graph and follower earnings.
type FollowRepository struct {
	db DBTX
}

// NewFollowRepository returns repository.
func NewFollowRepository(db DBTX) *FollowRepository {
	return &FollowRepository{db: db}
}

// Insert adds an edge; created is false when it already exists.
func (r *FollowRepository) Insert(ctx context.Context, f *models.Follow) (bool, error) {
	const query = `
		INSERT INTO follows (follower_id, followee_id, is_auto, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (follower_id, followee_id) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query, f.FollowerID, f.FolloweeID, f.IsAuto, f.CreatedAt)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Delete removes an edge; deleted is false when it did not exist.
func (r *FollowRepository) Delete(ctx context.Context, followerID, followeeID string) (bool, error) {
	const query = `DELETE FROM follows WHERE follower_id = $1 AND followee_id = $2`
	result, err := r.db.ExecContext(ctx, query, followerID, followeeID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ListFollowers returns edges pointing at followeeID.
func (r *FollowRepository) ListFollowers(ctx context.Context, followeeID string) ([]models.Follow, error) {
	const query = `
		SELECT follower_id, followee_id, is_auto, created_at
		FROM follows
		WHERE followee_id = $1
		ORDER BY follower_id
	`
	rows, err := r.db.QueryContext(ctx, query, followeeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var follows []models.Follow
	for rows.Next() {
		var f models.Follow
		if err := rows.Scan(&f.FollowerID, &f.FolloweeID, &f.IsAuto, &f.CreatedAt); err != nil {
			return nil, err
		}
		follows = append(follows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return follows, nil
}

// CountFollowers counts edges pointing at userID.
func (r *FollowRepository) CountFollowers(ctx context.Context, userID string) (int, error) {
	const query = `SELECT COUNT(*) FROM follows WHERE followee_id = $1`
	var n int
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&n)
	return n, err
}

// CountFollowing counts edges leaving userID.
func (r *FollowRepository) CountFollowing(ctx context.Context, userID string) (int, error) {
	const query = `SELECT COUNT(*) FROM follows WHERE follower_id = $1`
	var n int
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&n)
	return n, err
}

// InsertEarning records a follower payout; an existing (charge, receiver) row is loaded into e.
func (r *FollowRepository) InsertEarning(ctx context.Context, e *models.FollowEarningsEvent) (bool, error) {
	if e.ID == "" {
		e.ID = ids.NewULIDAt(e.CreatedAt)
	}
	const insert = `
		INSERT INTO follow_earnings_events (id, charge_id, payer_id, receiver_id, station_id, session_id, energy_kwh, amount_cents, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (charge_id, receiver_id) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, insert,
		e.ID,
		e.ChargeID,
		e.PayerID,
		e.ReceiverID,
		e.StationID,
		e.SessionID,
		e.EnergyKWh,
		e.AmountCents,
		e.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 1 {
		return true, nil
	}

	const existing = `
		SELECT id, payer_id, station_id, session_id, energy_kwh, amount_cents, wallet_event_id, created_at
		FROM follow_earnings_events
		WHERE charge_id = $1 AND receiver_id = $2
	`
	var walletEventID sql.NullString
	if err := r.db.QueryRowContext(ctx, existing, e.ChargeID, e.ReceiverID).Scan(
		&e.ID,
		&e.PayerID,
		&e.StationID,
		&e.SessionID,
		&e.EnergyKWh,
		&e.AmountCents,
		&walletEventID,
		&e.CreatedAt,
	); err != nil {
		return false, err
	}
	e.WalletEventID = walletEventID.String
	return false, nil
}

// SetEarningWalletEvent links an earning to the credit it caused.
func (r *FollowRepository) SetEarningWalletEvent(ctx context.Context, earningID, walletEventID string) error {
	const query = `UPDATE follow_earnings_events SET wallet_event_id = $2 WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, earningID, walletEventID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// AddMonthlyEarning folds an earning into the (receiver, payer, month) rollup.
func (r *FollowRepository) AddMonthlyEarning(ctx context.Context, e *models.FollowEarningsEvent) error {
	const query = `
		INSERT INTO follow_earnings_monthly (receiver_id, payer_id, month, amount_cents, energy_kwh, events)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (receiver_id, payer_id, month) DO UPDATE SET
			amount_cents = follow_earnings_monthly.amount_cents + EXCLUDED.amount_cents,
			energy_kwh = follow_earnings_monthly.energy_kwh + EXCLUDED.energy_kwh,
			events = follow_earnings_monthly.events + 1
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ReceiverID,
		e.PayerID,
		models.MonthStart(e.CreatedAt),
		e.AmountCents,
		e.EnergyKWh,
	)
	return err
}

// ListMonthlyEarnings returns the receiver's rollup rows for month.
func (r *FollowRepository) ListMonthlyEarnings(ctx context.Context, receiverID string, month time.Time) ([]models.FollowEarningsMonthly, error) {
	const query = `
		SELECT receiver_id, payer_id, month, amount_cents, energy_kwh, events
		FROM follow_earnings_monthly
		WHERE receiver_id = $1 AND month = $2
		ORDER BY payer_id
	`
	rows, err := r.db.QueryContext(ctx, query, receiverID, models.MonthStart(month))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.FollowEarningsMonthly
	for rows.Next() {
		var m models.FollowEarningsMonthly
		if err := rows.Scan(&m.ReceiverID, &m.PayerID, &m.Month, &m.AmountCents, &m.EnergyKWh, &m.Events); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
