package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"evrewards/backend/services/rewards-service/internal/models"
	"evrewards/backend/services/rewards-service/internal/store"
)

// PosEventRepository persists normalized POS events.
type PosEventRepository struct {
	db DBTX
}

// NewPosEventRepository returns repository.
func NewPosEventRepository(db DBTX) *PosEventRepository {
	return &PosEventRepository{db: db}
}

const posEventColumns = `
	e.id, e.user_id, e.merchant_id, e.provider, e.event_type, e.provider_event_id,
	e.order_id, e.amount_cents, e.event_at, e.payload, e.created_at`

func scanPosEvent(dest []interface{}, e *models.PosEvent, payload *[]byte) []interface{} {
	return append(dest,
		&e.ID,
		&e.UserID,
		&e.MerchantID,
		&e.Provider,
		&e.EventType,
		&e.ProviderEventID,
		&e.OrderID,
		&e.AmountCents,
		&e.EventAt,
		payload,
		&e.CreatedAt,
	)
}

// Insert stores the event unless (provider, provider_event_id) exists, in which case the
// existing id and created_at are copied into e.
func (r *PosEventRepository) Insert(ctx context.Context, e *models.PosEvent) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}

	const insert = `
		INSERT INTO pos_events (id, user_id, merchant_id, provider, event_type, provider_event_id, order_id, amount_cents, event_at, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
		RETURNING id, created_at
	`
	err = r.db.QueryRowContext(ctx, insert,
		e.ID,
		e.UserID,
		e.MerchantID,
		e.Provider,
		e.EventType,
		e.ProviderEventID,
		e.OrderID,
		e.AmountCents,
		e.EventAt,
		payload,
		e.CreatedAt,
	).Scan(&e.ID, &e.CreatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	const existing = `
		SELECT id, created_at FROM pos_events
		WHERE provider = $1 AND provider_event_id = $2
	`
	if err := r.db.QueryRowContext(ctx, existing, e.Provider, e.ProviderEventID).Scan(&e.ID, &e.CreatedAt); err != nil {
		return false, err
	}
	return false, nil
}

// Get returns a POS event by id.
func (r *PosEventRepository) Get(ctx context.Context, id uuid.UUID) (*models.PosEvent, error) {
	const query = `SELECT ` + posEventColumns + ` FROM pos_events e WHERE e.id = $1`
	var e models.PosEvent
	var payload []byte
	if err := r.db.QueryRowContext(ctx, query, id).Scan(scanPosEvent(nil, &e, &payload)...); err != nil {
		return nil, notFound(err, models.ErrNotFound)
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &e, nil
}

// ListPending returns unresolved events with their match state, oldest event first or
// least recently attempted first when filter.StalestFirst is set.
func (r *PosEventRepository) ListPending(ctx context.Context, filter store.PendingFilter) ([]models.PendingMatch, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	const query = `
		SELECT ` + posEventColumns + `,
		       m.status, m.session_id, m.attempts, m.last_attempt_at, m.resolved_at, m.created_at
		FROM pos_match_states m
		JOIN pos_events e ON e.id = m.pos_event_id
		WHERE m.status = 'pending'
		  AND ($1 = '' OR e.user_id = $1)
		  AND ($2 = '' OR $1 <> '' OR (e.user_id = '' AND e.merchant_id = $2))
		ORDER BY CASE WHEN $4 THEN COALESCE(m.last_attempt_at, m.created_at) END, e.event_at, e.id
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, filter.UserID, filter.MerchantID, limit, filter.StalestFirst)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PendingMatch
	for rows.Next() {
		var pm models.PendingMatch
		var payload []byte
		dest := scanPosEvent(nil, &pm.Event, &payload)
		dest = append(dest,
			&pm.State.Status,
			&pm.State.SessionID,
			&pm.State.Attempts,
			&pm.State.LastAttemptAt,
			&pm.State.ResolvedAt,
			&pm.State.CreatedAt,
		)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &pm.Event.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		pm.State.PosEventID = pm.Event.ID
		out = append(out, pm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
