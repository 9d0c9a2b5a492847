package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/geo"
	"evrewards/backend/services/rewards-service/internal/models"
	"evrewards/backend/services/rewards-service/internal/store"
)

// MerchantRegistry manages merchant locations and geofences.
type MerchantRegistry struct {
	store      store.Store
	maxRadiusM float64
	logger     *zap.Logger
}

// NewMerchantRegistry builds registry. maxRadiusM caps geofence radii so tracker lookups stay bounded.
func NewMerchantRegistry(st store.Store, maxRadiusM float64, logger *zap.Logger) *MerchantRegistry {
	if maxRadiusM <= 0 {
		maxRadiusM = 1000
	}
	return &MerchantRegistry{store: st, maxRadiusM: maxRadiusM, logger: logger}
}

// Upsert creates or replaces a merchant.
func (r *MerchantRegistry) Upsert(ctx context.Context, m models.Merchant) (*models.Merchant, error) {
	m.ID = strings.TrimSpace(m.ID)
	switch {
	case m.ID == "":
		return nil, fmt.Errorf("%w: merchant id is required", models.ErrValidation)
	case !geo.Valid(geo.Point{Lat: m.Lat, Lng: m.Lng}):
		return nil, fmt.Errorf("%w: coordinates out of range", models.ErrValidation)
	case m.GeofenceRadiusM <= 0 || m.GeofenceRadiusM > r.maxRadiusM:
		return nil, fmt.Errorf("%w: geofence radius must be in (0, %.0f]", models.ErrValidation, r.maxRadiusM)
	}

	err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m.UpdatedAt = timeNow()
		return tx.Merchants().Upsert(ctx, &m)
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("merchant upserted",
		zap.String("merchant_id", m.ID),
		zap.Float64("lat", m.Lat),
		zap.Float64("lng", m.Lng),
		zap.Float64("geofence_radius_m", m.GeofenceRadiusM),
	)
	return &m, nil
}

// Get returns a merchant by id.
func (r *MerchantRegistry) Get(ctx context.Context, id string) (*models.Merchant, error) {
	var m *models.Merchant
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		m, err = tx.Merchants().Get(ctx, id)
		return err
	})
	return m, err
}
