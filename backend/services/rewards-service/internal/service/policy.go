package service

import (
	"time"

	"github.com/shopspring/decimal"

	"evrewards/backend/services/rewards-service/internal/models"
)

// TrackingPolicy holds the thresholds that grade session confidence.
type TrackingPolicy struct {
	IdleTimeout          time.Duration
	MinDwell             time.Duration
	StableSamplesForHigh int
	StabilityRadiusM     float64
	MaxAccuracyM         float64
	// MaxGeofenceRadiusM bounds the merchant lookup around a sample.
	MaxGeofenceRadiusM float64
}

// MatchPolicy holds the reconciliation windows.
type MatchPolicy struct {
	RadiusM     float64
	Slack       time.Duration
	Retention   time.Duration
	BatchSize   int
	RewardShare decimal.Decimal
}

// ReputationPolicy holds scoring and follower payout settings.
type ReputationPolicy struct {
	PointsPerCharge int64
	PointsPerKWh    decimal.Decimal
	StreakBonus     int64
	Tiers           models.TierThresholds
	FollowerShare   decimal.Decimal
}

// shareOf returns floor(amount * share) in minor units.
func shareOf(amountCents int64, share decimal.Decimal) int64 {
	if amountCents <= 0 || !share.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(amountCents).Mul(share).Floor().IntPart()
}
