package models

import (
	"time"

	"github.com/google/uuid"
)

// Merchant is a registered store with a charging geofence.
type Merchant struct {
	ID              string    `db:"id" json:"id"`
	Name            string    `db:"name" json:"name"`
	Lat             float64   `db:"lat" json:"lat"`
	Lng             float64   `db:"lng" json:"lng"`
	GeofenceRadiusM float64   `db:"geofence_radius_m" json:"geofence_radius_m"`
	StationID       string    `db:"station_id" json:"station_id,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// MerchantBalance aggregates what a merchant owes or is owed for settlement.
// UnverifiedCents is the part of PendingCents contributed by PosEvents that never matched.
type MerchantBalance struct {
	MerchantID      string    `db:"merchant_id" json:"merchant_id"`
	PendingCents    int64     `db:"pending_cents" json:"pending_cents"`
	PaidCents       int64     `db:"paid_cents" json:"paid_cents"`
	UnverifiedCents int64     `db:"unverified_cents" json:"unverified_cents"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// MerchantPayout records one settlement reported by the external settlement process.
type MerchantPayout struct {
	ID          uuid.UUID `db:"id" json:"id"`
	MerchantID  string    `db:"merchant_id" json:"merchant_id"`
	PayoutRef   string    `db:"payout_ref" json:"payout_ref"`
	AmountCents int64     `db:"amount_cents" json:"amount_cents"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
