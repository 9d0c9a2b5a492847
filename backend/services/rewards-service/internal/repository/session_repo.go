package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"evrewards/backend/services/rewards-service/internal/geo"
	"evrewards/backend/services/rewards-service/internal/models"
)

// SessionRepository handles persistence of charging sessions.
type SessionRepository struct {
	db DBTX
}

// NewSessionRepository returns repository.
func NewSessionRepository(db DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `
	id, user_id, station_id, merchant_id, created_at, start_at, end_at, last_report_at,
	verified_charge, energy_kwh, confidence, first_lat, first_lng, last_lat, last_lng,
	last_accuracy_m, dwell_started_at, stable_samples, charger_confirmed_at, close_reason, updated_at`

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var confidence int16
	if err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.StationID,
		&s.MerchantID,
		&s.CreatedAt,
		&s.StartAt,
		&s.EndAt,
		&s.LastReportAt,
		&s.VerifiedCharge,
		&s.EnergyKWh,
		&confidence,
		&s.FirstLat,
		&s.FirstLng,
		&s.LastLat,
		&s.LastLng,
		&s.LastAccuracyM,
		&s.DwellStartedAt,
		&s.StableSamples,
		&s.ChargerConfirmedAt,
		&s.CloseReason,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.Confidence = models.Confidence(confidence)
	return &s, nil
}

// Create inserts a new session.
func (r *SessionRepository) Create(ctx context.Context, s *models.Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	const query = `
		INSERT INTO charging_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`
	_, err := r.db.ExecContext(ctx, query, sessionArgs(s)...)
	return err
}

// Update overwrites the mutable fields of a session.
func (r *SessionRepository) Update(ctx context.Context, s *models.Session) error {
	const query = `
		UPDATE charging_sessions
		SET station_id = $2,
		    merchant_id = $3,
		    start_at = $4,
		    end_at = $5,
		    last_report_at = $6,
		    verified_charge = $7,
		    energy_kwh = $8,
		    confidence = GREATEST(confidence, $9),
		    last_lat = $10,
		    last_lng = $11,
		    last_accuracy_m = $12,
		    dwell_started_at = $13,
		    stable_samples = $14,
		    charger_confirmed_at = $15,
		    close_reason = $16,
		    updated_at = $17
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.StationID,
		s.MerchantID,
		s.StartAt,
		s.EndAt,
		s.LastReportAt,
		s.VerifiedCharge,
		s.EnergyKWh,
		int16(s.Confidence),
		s.LastLat,
		s.LastLng,
		s.LastAccuracyM,
		s.DwellStartedAt,
		s.StableSamples,
		s.ChargerConfirmedAt,
		s.CloseReason,
		s.UpdatedAt,
	)
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

// Get returns a session by id.
func (r *SessionRepository) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM charging_sessions WHERE id = $1`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, models.ErrNotFound)
	}
	return s, nil
}

// GetForUpdate returns a session by id and locks the row.
func (r *SessionRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM charging_sessions WHERE id = $1 FOR UPDATE`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, models.ErrNotFound)
	}
	return s, nil
}

// OpenForUser locks and returns the user's open session.
func (r *SessionRepository) OpenForUser(ctx context.Context, userID string) (*models.Session, error) {
	const query = `
		SELECT ` + sessionColumns + `
		FROM charging_sessions
		WHERE user_id = $1 AND end_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		return nil, notFound(err, models.ErrNotFound)
	}
	return s, nil
}

// ListByUserInWindow returns the user's sessions overlapping [from, to].
func (r *SessionRepository) ListByUserInWindow(ctx context.Context, userID string, from, to time.Time) ([]models.Session, error) {
	const query = `
		SELECT ` + sessionColumns + `
		FROM charging_sessions
		WHERE user_id = $1
		  AND COALESCE(start_at, created_at) <= $3
		  AND (end_at IS NULL OR end_at >= $2)
		ORDER BY last_report_at, id
	`
	return r.list(ctx, query, userID, from, to)
}

// ListNearInWindow returns sessions last seen inside box and overlapping [from, to].
func (r *SessionRepository) ListNearInWindow(ctx context.Context, box geo.BoundingBox, from, to time.Time) ([]models.Session, error) {
	const query = `
		SELECT ` + sessionColumns + `
		FROM charging_sessions
		WHERE last_lat BETWEEN $1 AND $2
		  AND last_lng BETWEEN $3 AND $4
		  AND COALESCE(start_at, created_at) <= $6
		  AND (end_at IS NULL OR end_at >= $5)
		ORDER BY last_report_at, id
	`
	return r.list(ctx, query, box.MinLat, box.MaxLat, box.MinLng, box.MaxLng, from, to)
}

// ListIdle returns open sessions whose last report is older than cutoff.
func (r *SessionRepository) ListIdle(ctx context.Context, cutoff time.Time, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT ` + sessionColumns + `
		FROM charging_sessions
		WHERE end_at IS NULL AND last_report_at < $1
		ORDER BY last_report_at, id
		LIMIT $2
	`
	return r.list(ctx, query, cutoff, limit)
}

func (r *SessionRepository) list(ctx context.Context, query string, args ...interface{}) ([]models.Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func sessionArgs(s *models.Session) []interface{} {
	return []interface{}{
		s.ID,
		s.UserID,
		s.StationID,
		s.MerchantID,
		s.CreatedAt,
		s.StartAt,
		s.EndAt,
		s.LastReportAt,
		s.VerifiedCharge,
		s.EnergyKWh,
		int16(s.Confidence),
		s.FirstLat,
		s.FirstLng,
		s.LastLat,
		s.LastLng,
		s.LastAccuracyM,
		s.DwellStartedAt,
		s.StableSamples,
		s.ChargerConfirmedAt,
		s.CloseReason,
		s.UpdatedAt,
	}
}
