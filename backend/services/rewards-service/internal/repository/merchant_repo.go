package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"evrewards/backend/services/rewards-service/internal/geo"
	"evrewards/backend/services/rewards-service/internal/models"
)

// MerchantRepository persists merchants, settlement balances and payouts.
type MerchantRepository struct {
	db DBTX
}

// NewMerchantRepository returns repository.
func NewMerchantRepository(db DBTX) *MerchantRepository {
	return &MerchantRepository{db: db}
}

// Upsert creates or updates a merchant by id.
func (r *MerchantRepository) Upsert(ctx context.Context, m *models.Merchant) error {
	const query = `
		INSERT INTO merchants (id, name, lat, lng, geofence_radius_m, station_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			geofence_radius_m = EXCLUDED.geofence_radius_m,
			station_id = EXCLUDED.station_id,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at
	`
	return r.db.QueryRowContext(ctx, query,
		m.ID,
		m.Name,
		m.Lat,
		m.Lng,
		m.GeofenceRadiusM,
		m.StationID,
		m.UpdatedAt,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
}

// Get returns a merchant by id.
func (r *MerchantRepository) Get(ctx context.Context, id string) (*models.Merchant, error) {
	const query = `
		SELECT id, name, lat, lng, geofence_radius_m, station_id, created_at, updated_at
		FROM merchants
		WHERE id = $1
	`
	var m models.Merchant
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID,
		&m.Name,
		&m.Lat,
		&m.Lng,
		&m.GeofenceRadiusM,
		&m.StationID,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, models.ErrNotFound)
	}
	return &m, nil
}

// ListNear returns merchants located inside box.
func (r *MerchantRepository) ListNear(ctx context.Context, box geo.BoundingBox) ([]models.Merchant, error) {
	const query = `
		SELECT id, name, lat, lng, geofence_radius_m, station_id, created_at, updated_at
		FROM merchants
		WHERE lat BETWEEN $1 AND $2 AND lng BETWEEN $3 AND $4
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, box.MinLat, box.MaxLat, box.MinLng, box.MaxLng)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var merchants []models.Merchant
	for rows.Next() {
		var m models.Merchant
		if err := rows.Scan(
			&m.ID,
			&m.Name,
			&m.Lat,
			&m.Lng,
			&m.GeofenceRadiusM,
			&m.StationID,
			&m.CreatedAt,
			&m.UpdatedAt,
		); err != nil {
			return nil, err
		}
		merchants = append(merchants, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return merchants, nil
}

// AddPending increments the pending (and unverified) settlement totals.
func (r *MerchantRepository) AddPending(ctx context.Context, merchantID string, pendingDelta, unverifiedDelta int64, at time.Time) error {
	const query = `
		INSERT INTO merchant_balances (merchant_id, pending_cents, paid_cents, unverified_cents, updated_at)
		VALUES ($1, $2, 0, $3, $4)
		ON CONFLICT (merchant_id) DO UPDATE SET
			pending_cents = merchant_balances.pending_cents + EXCLUDED.pending_cents,
			unverified_cents = merchant_balances.unverified_cents + EXCLUDED.unverified_cents,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query, merchantID, pendingDelta, unverifiedDelta, at)
	return err
}

// GetBalance returns the settlement balance, zero when nothing accrued yet.
func (r *MerchantRepository) GetBalance(ctx context.Context, merchantID string) (*models.MerchantBalance, error) {
	const query = `
		SELECT merchant_id, pending_cents, paid_cents, unverified_cents, updated_at
		FROM merchant_balances
		WHERE merchant_id = $1
	`
	var b models.MerchantBalance
	err := r.db.QueryRowContext(ctx, query, merchantID).Scan(
		&b.MerchantID,
		&b.PendingCents,
		&b.PaidCents,
		&b.UnverifiedCents,
		&b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return &models.MerchantBalance{MerchantID: merchantID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// InsertPayout records a payout; created is false when payout_ref was already recorded.
func (r *MerchantRepository) InsertPayout(ctx context.Context, p *models.MerchantPayout) (bool, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	const insert = `
		INSERT INTO merchant_payouts (id, merchant_id, payout_ref, amount_cents, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (merchant_id, payout_ref) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, insert, p.ID, p.MerchantID, p.PayoutRef, p.AmountCents, p.CreatedAt)
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
		SELECT id, amount_cents, created_at FROM merchant_payouts
		WHERE merchant_id = $1 AND payout_ref = $2
	`
	if err := r.db.QueryRowContext(ctx, existing, p.MerchantID, p.PayoutRef).Scan(&p.ID, &p.AmountCents, &p.CreatedAt); err != nil {
		return false, err
	}
	return false, nil
}

// ApplyPayout moves amount from pending to paid.
func (r *MerchantRepository) ApplyPayout(ctx context.Context, merchantID string, amountCents int64, at time.Time) error {
	const query = `
		UPDATE merchant_balances
		SET pending_cents = pending_cents - $2,
		    paid_cents = paid_cents + $2,
		    updated_at = $3
		WHERE merchant_id = $1 AND pending_cents >= $2
	`
	result, err := r.db.ExecContext(ctx, query, merchantID, amountCents, at)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrPayoutExceedsPending
	}
	return nil
}
