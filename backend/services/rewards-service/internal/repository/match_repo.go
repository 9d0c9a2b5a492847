package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"evrewards/backend/services/rewards-service/internal/models"
)

// MatchRepository persists reconciliation state and verified charges.
type MatchRepository struct {
	db DBTX
}

// NewMatchRepository returns repository.
func NewMatchRepository(db DBTX) *MatchRepository {
	return &MatchRepository{db: db}
}

// InitPending creates the pending state row for a POS event if absent.
func (r *MatchRepository) InitPending(ctx context.Context, posEventID uuid.UUID, at time.Time) error {
	const query = `
		INSERT INTO pos_match_states (pos_event_id, status, attempts, created_at)
		VALUES ($1, 'pending', 0, $2)
		ON CONFLICT (pos_event_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, posEventID, at)
	return err
}

// LockState returns the match state and locks it for the rest of the transaction.
func (r *MatchRepository) LockState(ctx context.Context, posEventID uuid.UUID) (*models.MatchState, error) {
	const query = `
		SELECT pos_event_id, status, session_id, attempts, last_attempt_at, resolved_at, created_at
		FROM pos_match_states
		WHERE pos_event_id = $1
		FOR UPDATE
	`
	var m models.MatchState
	err := r.db.QueryRowContext(ctx, query, posEventID).Scan(
		&m.PosEventID,
		&m.Status,
		&m.SessionID,
		&m.Attempts,
		&m.LastAttemptAt,
		&m.ResolvedAt,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, models.ErrNotFound)
	}
	return &m, nil
}

// RecordAttempt bumps the attempt counter of a pending event.
func (r *MatchRepository) RecordAttempt(ctx context.Context, posEventID uuid.UUID, at time.Time) error {
	const query = `
		UPDATE pos_match_states
		SET attempts = attempts + 1, last_attempt_at = $2
		WHERE pos_event_id = $1
	`
	return r.execOne(ctx, query, posEventID, at)
}

// MarkMatched resolves a pending event against a session.
func (r *MatchRepository) MarkMatched(ctx context.Context, posEventID, sessionID uuid.UUID, at time.Time) error {
	return r.resolve(ctx, posEventID, models.MatchMatched, &sessionID, at)
}

// MarkUnmatched resolves a pending event as permanently unmatched.
func (r *MatchRepository) MarkUnmatched(ctx context.Context, posEventID uuid.UUID, at time.Time) error {
	return r.resolve(ctx, posEventID, models.MatchUnmatched, nil, at)
}

func (r *MatchRepository) resolve(ctx context.Context, posEventID uuid.UUID, status models.MatchStatus, sessionID *uuid.UUID, at time.Time) error {
	const query = `
		UPDATE pos_match_states
		SET status = $2,
		    session_id = $3,
		    attempts = attempts + 1,
		    last_attempt_at = $4,
		    resolved_at = $4
		WHERE pos_event_id = $1 AND status = 'pending'
	`
	result, err := r.db.ExecContext(ctx, query, posEventID, string(status), sessionID, at)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: match state %s is not pending", models.ErrInvariantViolation, posEventID)
	}
	return nil
}

// InsertVerified stores a verified charge; created is false when the POS event already has one.
func (r *MatchRepository) InsertVerified(ctx context.Context, vc *models.VerifiedCharge) (bool, error) {
	const query = `
		INSERT INTO verified_charges (id, session_id, pos_event_id, user_id, merchant_id, station_id, confidence, amount_cents, energy_kwh, event_at, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query,
		vc.ID,
		vc.SessionID,
		vc.PosEventID,
		vc.UserID,
		vc.MerchantID,
		vc.StationID,
		int16(vc.Confidence),
		vc.AmountCents,
		vc.EnergyKWh,
		vc.EventAt,
		vc.IdempotencyKey,
		vc.CreatedAt,
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

// GetVerifiedByPosEvent returns the verified charge of a POS event.
func (r *MatchRepository) GetVerifiedByPosEvent(ctx context.Context, posEventID uuid.UUID) (*models.VerifiedCharge, error) {
	const query = `
		SELECT id, session_id, pos_event_id, user_id, merchant_id, station_id, confidence, amount_cents, energy_kwh, event_at, idempotency_key, created_at
		FROM verified_charges
		WHERE pos_event_id = $1
	`
	var vc models.VerifiedCharge
	var confidence int16
	err := r.db.QueryRowContext(ctx, query, posEventID).Scan(
		&vc.ID,
		&vc.SessionID,
		&vc.PosEventID,
		&vc.UserID,
		&vc.MerchantID,
		&vc.StationID,
		&confidence,
		&vc.AmountCents,
		&vc.EnergyKWh,
		&vc.EventAt,
		&vc.IdempotencyKey,
		&vc.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, models.ErrNotFound)
	}
	vc.Confidence = models.Confidence(confidence)
	return &vc, nil
}

func (r *MatchRepository) execOne(ctx context.Context, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
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
