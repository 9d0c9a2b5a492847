package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"evrewards/backend/services/rewards-service/internal/models"
	"evrewards/backend/services/rewards-service/internal/store"
)

type posEventRepo struct {
	st *state
}

func posKey(provider, providerEventID string) string {
	return provider + "\x00" + providerEventID
}

func (r posEventRepo) Insert(_ context.Context, e *models.PosEvent) (bool, error) {
	key := posKey(e.Provider, e.ProviderEventID)
	if existing, ok := r.st.posKeys[key]; ok {
		stored := r.st.posEvents[existing]
		e.ID = stored.ID
		e.CreatedAt = stored.CreatedAt
		return false, nil
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	r.st.posEvents[e.ID] = *e
	r.st.posKeys[key] = e.ID
	return true, nil
}

func (r posEventRepo) Get(_ context.Context, id uuid.UUID) (*models.PosEvent, error) {
	e, ok := r.st.posEvents[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &e, nil
}

func (r posEventRepo) ListPending(_ context.Context, filter store.PendingFilter) ([]models.PendingMatch, error) {
	var out []models.PendingMatch
	for id, state := range r.st.matches {
		if state.Status != models.MatchPending {
			continue
		}
		e := r.st.posEvents[id]
		switch {
		case filter.UserID != "":
			if e.UserID != filter.UserID {
				continue
			}
		case filter.MerchantID != "":
			if e.UserID != "" || e.MerchantID != filter.MerchantID {
				continue
			}
		}
		out = append(out, models.PendingMatch{Event: e, State: cloneMatchState(state)})
	}
	sort.Slice(out, func(i, j int) bool {
		if filter.StalestFirst {
			a, b := lastTouched(out[i].State), lastTouched(out[j].State)
			if !a.Equal(b) {
				return a.Before(b)
			}
		}
		if out[i].Event.EventAt.Equal(out[j].Event.EventAt) {
			return out[i].Event.ID.String() < out[j].Event.ID.String()
		}
		return out[i].Event.EventAt.Before(out[j].Event.EventAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func lastTouched(m models.MatchState) time.Time {
	if m.LastAttemptAt != nil {
		return *m.LastAttemptAt
	}
	return m.CreatedAt
}

type matchRepo struct {
	st *state
}

func cloneMatchState(m models.MatchState) models.MatchState {
	m.SessionID = uuidPtr(m.SessionID)
	m.LastAttemptAt = timePtr(m.LastAttemptAt)
	m.ResolvedAt = timePtr(m.ResolvedAt)
	return m
}

func (r matchRepo) InitPending(_ context.Context, posEventID uuid.UUID, at time.Time) error {
	if _, ok := r.st.matches[posEventID]; ok {
		return nil
	}
	r.st.matches[posEventID] = models.MatchState{
		PosEventID: posEventID,
		Status:     models.MatchPending,
		CreatedAt:  at,
	}
	return nil
}

func (r matchRepo) LockState(_ context.Context, posEventID uuid.UUID) (*models.MatchState, error) {
	m, ok := r.st.matches[posEventID]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := cloneMatchState(m)
	return &out, nil
}

func (r matchRepo) RecordAttempt(_ context.Context, posEventID uuid.UUID, at time.Time) error {
	m, ok := r.st.matches[posEventID]
	if !ok {
		return models.ErrNotFound
	}
	m.Attempts++
	m.LastAttemptAt = &at
	r.st.matches[posEventID] = m
	return nil
}

func (r matchRepo) MarkMatched(_ context.Context, posEventID, sessionID uuid.UUID, at time.Time) error {
	return r.resolve(posEventID, models.MatchMatched, &sessionID, at)
}

func (r matchRepo) MarkUnmatched(_ context.Context, posEventID uuid.UUID, at time.Time) error {
	return r.resolve(posEventID, models.MatchUnmatched, nil, at)
}

func (r matchRepo) resolve(posEventID uuid.UUID, status models.MatchStatus, sessionID *uuid.UUID, at time.Time) error {
	m, ok := r.st.matches[posEventID]
	if !ok {
		return models.ErrNotFound
	}
	if m.Status != models.MatchPending {
		return fmt.Errorf("%w: match state %s is %s", models.ErrInvariantViolation, posEventID, m.Status)
	}
	m.Status = status
	m.SessionID = sessionID
	m.Attempts++
	m.LastAttemptAt = &at
	m.ResolvedAt = &at
	r.st.matches[posEventID] = m
	return nil
}

func (r matchRepo) InsertVerified(_ context.Context, vc *models.VerifiedCharge) (bool, error) {
	if _, ok := r.st.charges[vc.PosEventID]; ok {
		return false, nil
	}
	for _, existing := range r.st.charges {
		if existing.IdempotencyKey == vc.IdempotencyKey {
			return false, nil
		}
	}
	r.st.charges[vc.PosEventID] = *vc
	return true, nil
}

func (r matchRepo) GetVerifiedByPosEvent(_ context.Context, posEventID uuid.UUID) (*models.VerifiedCharge, error) {
	vc, ok := r.st.charges[posEventID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &vc, nil
}
