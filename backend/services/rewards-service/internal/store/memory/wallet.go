package memory

import (
	"context"
	"sort"
	"time"

	"evrewards/backend/services/rewards-service/internal/ids"
	"evrewards/backend/services/rewards-service/internal/models"
)

type walletRepo struct {
	st *state
}

func (r walletRepo) InsertEvent(_ context.Context, e *models.WalletEvent) (bool, error) {
	if e.IdempotencyKey != "" {
		if _, ok := r.st.walletKeys[e.IdempotencyKey]; ok {
			return false, nil
		}
	}
	if e.ID == "" {
		e.ID = ids.NewULIDAt(e.CreatedAt)
	}
	r.st.walletEvents = append(r.st.walletEvents, *e)
	if e.IdempotencyKey != "" {
		r.st.walletKeys[e.IdempotencyKey] = len(r.st.walletEvents) - 1
	}
	return true, nil
}

func (r walletRepo) GetByIdempotencyKey(_ context.Context, key string) (*models.WalletEvent, error) {
	idx, ok := r.st.walletKeys[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	e := r.st.walletEvents[idx]
	return &e, nil
}

func (r walletRepo) AddToRunningBalance(_ context.Context, userID string, delta int64, _ time.Time) (int64, error) {
	r.st.balances[userID] += delta
	return r.st.balances[userID], nil
}

func (r walletRepo) RunningBalance(_ context.Context, userID string) (int64, error) {
	return r.st.balances[userID], nil
}

func (r walletRepo) SumEvents(_ context.Context, userID string) (int64, error) {
	var sum int64
	for i := range r.st.walletEvents {
		if r.st.walletEvents[i].UserID == userID {
			sum += r.st.walletEvents[i].SignedAmount()
		}
	}
	return sum, nil
}

func (r walletRepo) ListEvents(_ context.Context, userID string, limit int) ([]models.WalletEvent, error) {
	var out []models.WalletEvent
	for i := len(r.st.walletEvents) - 1; i >= 0; i-- {
		if r.st.walletEvents[i].UserID != userID {
			continue
		}
		out = append(out, r.st.walletEvents[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r walletRepo) ListAccountTotals(_ context.Context) ([]models.AccountTotals, error) {
	totals := map[string]*models.AccountTotals{}
	get := func(userID string) *models.AccountTotals {
		t, ok := totals[userID]
		if !ok {
			t = &models.AccountTotals{UserID: userID}
			totals[userID] = t
		}
		return t
	}
	for userID, running := range r.st.balances {
		get(userID).RunningCents = running
	}
	for i := range r.st.walletEvents {
		e := r.st.walletEvents[i]
		get(e.UserID).ScannedCents += e.SignedAmount()
	}

	out := make([]models.AccountTotals, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
