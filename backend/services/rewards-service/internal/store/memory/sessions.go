package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"evrewards/backend/services/rewards-service/internal/geo"
	"evrewards/backend/services/rewards-service/internal/models"
)

type sessionRepo struct {
	st *state
}

func cloneSession(s models.Session) *models.Session {
	s.StartAt = timePtr(s.StartAt)
	s.EndAt = timePtr(s.EndAt)
	s.EnergyKWh = floatPtr(s.EnergyKWh)
	s.LastAccuracyM = floatPtr(s.LastAccuracyM)
	s.DwellStartedAt = timePtr(s.DwellStartedAt)
	s.ChargerConfirmedAt = timePtr(s.ChargerConfirmedAt)
	return &s
}

func (r sessionRepo) Create(_ context.Context, s *models.Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	r.st.sessions[s.ID] = *cloneSession(*s)
	return nil
}

func (r sessionRepo) Get(_ context.Context, id uuid.UUID) (*models.Session, error) {
	s, ok := r.st.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneSession(s), nil
}

func (r sessionRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return r.Get(ctx, id)
}

func (r sessionRepo) OpenForUser(_ context.Context, userID string) (*models.Session, error) {
	var found *models.Session
	for _, s := range r.st.sessions {
		if s.UserID != userID || !s.IsOpen() {
			continue
		}
		if found == nil || s.CreatedAt.After(found.CreatedAt) {
			found = cloneSession(s)
		}
	}
	if found == nil {
		return nil, models.ErrNotFound
	}
	return found, nil
}

func (r sessionRepo) Update(_ context.Context, s *models.Session) error {
	current, ok := r.st.sessions[s.ID]
	if !ok {
		return models.ErrNotFound
	}
	if s.Confidence < current.Confidence {
		return models.ErrConfidenceRegression
	}
	r.st.sessions[s.ID] = *cloneSession(*s)
	return nil
}

func (r sessionRepo) ListByUserInWindow(_ context.Context, userID string, from, to time.Time) ([]models.Session, error) {
	return r.filter(func(s models.Session) bool {
		return s.UserID == userID && overlaps(s, from, to)
	}), nil
}

func (r sessionRepo) ListNearInWindow(_ context.Context, box geo.BoundingBox, from, to time.Time) ([]models.Session, error) {
	return r.filter(func(s models.Session) bool {
		return box.Contains(geo.Point{Lat: s.LastLat, Lng: s.LastLng}) && overlaps(s, from, to)
	}), nil
}

func (r sessionRepo) ListIdle(_ context.Context, cutoff time.Time, limit int) ([]models.Session, error) {
	out := r.filter(func(s models.Session) bool {
		return s.IsOpen() && s.LastReportAt.Before(cutoff)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r sessionRepo) filter(keep func(models.Session) bool) []models.Session {
	var out []models.Session
	for _, s := range r.st.sessions {
		if keep(s) {
			out = append(out, *cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastReportAt.Equal(out[j].LastReportAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].LastReportAt.Before(out[j].LastReportAt)
	})
	return out
}

// overlaps matches the SQL predicate: start <= to AND (end IS NULL OR end >= from).
func overlaps(s models.Session, from, to time.Time) bool {
	if s.WindowStart().After(to) {
		return false
	}
	return s.EndAt == nil || !s.EndAt.Before(from)
}
