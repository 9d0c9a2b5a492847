package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"evrewards/backend/services/rewards-service/internal/geo"
	"evrewards/backend/services/rewards-service/internal/models"
)

type merchantRepo struct {
	st *state
}

func (r merchantRepo) Upsert(_ context.Context, m *models.Merchant) error {
	if existing, ok := r.st.merchants[m.ID]; ok {
		m.CreatedAt = existing.CreatedAt
	} else if m.CreatedAt.IsZero() {
		m.CreatedAt = m.UpdatedAt
	}
	r.st.merchants[m.ID] = *m
	return nil
}

func (r merchantRepo) Get(_ context.Context, id string) (*models.Merchant, error) {
	m, ok := r.st.merchants[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &m, nil
}

func (r merchantRepo) ListNear(_ context.Context, box geo.BoundingBox) ([]models.Merchant, error) {
	var out []models.Merchant
	for _, m := range r.st.merchants {
		if box.Contains(geo.Point{Lat: m.Lat, Lng: m.Lng}) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r merchantRepo) AddPending(_ context.Context, merchantID string, pendingDelta, unverifiedDelta int64, at time.Time) error {
	b := r.st.merchantBalances[merchantID]
	b.MerchantID = merchantID
	b.PendingCents += pendingDelta
	b.UnverifiedCents += unverifiedDelta
	b.UpdatedAt = at
	r.st.merchantBalances[merchantID] = b
	return nil
}

func (r merchantRepo) GetBalance(_ context.Context, merchantID string) (*models.MerchantBalance, error) {
	b, ok := r.st.merchantBalances[merchantID]
	if !ok {
		return &models.MerchantBalance{MerchantID: merchantID}, nil
	}
	return &b, nil
}

func (r merchantRepo) InsertPayout(_ context.Context, p *models.MerchantPayout) (bool, error) {
	key := p.MerchantID + "\x00" + p.PayoutRef
	if existing, ok := r.st.payouts[key]; ok {
		*p = existing
		return false, nil
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	r.st.payouts[key] = *p
	return true, nil
}

func (r merchantRepo) ApplyPayout(_ context.Context, merchantID string, amountCents int64, at time.Time) error {
	b := r.st.merchantBalances[merchantID]
	if b.PendingCents < amountCents {
		return models.ErrPayoutExceedsPending
	}
	b.MerchantID = merchantID
	b.PendingCents -= amountCents
	b.PaidCents += amountCents
	b.UpdatedAt = at
	r.st.merchantBalances[merchantID] = b
	return nil
}
