package models

import (
	"time"

	"github.com/google/uuid"
)

// UserReputation is the per-user reputation row. Follower/following counts are a cache of
// the Follows relation maintained in the same transaction as edge changes.
type UserReputation struct {
	UserID          string     `db:"user_id" json:"user_id"`
	Score           int64      `db:"score" json:"score"`
	Tier            Tier       `db:"tier" json:"tier"`
	StreakDays      int        `db:"streak_days" json:"streak_days"`
	FollowersCount  int        `db:"followers_count" json:"followers_count"`
	FollowingCount  int        `db:"following_count" json:"following_count"`
	VerifiedCharges int64      `db:"verified_charges" json:"verified_charges"`
	EnergyKWh       float64    `db:"energy_kwh" json:"energy_kwh"`
	LastChargeDay   *time.Time `db:"last_charge_day" json:"last_charge_day,omitempty"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// ReputationView is the outbound read model.
type ReputationView struct {
	UserID         string `json:"user_id"`
	Score          int64  `json:"score"`
	Tier           Tier   `json:"tier"`
	StreakDays     int    `json:"streak_days"`
	FollowersCount int    `json:"followers_count"`
	FollowingCount int    `json:"following_count"`
}

// View projects the row onto the outbound read model.
func (r *UserReputation) View() ReputationView {
	return ReputationView{
		UserID:         r.UserID,
		Score:          r.Score,
		Tier:           r.Tier,
		StreakDays:     r.StreakDays,
		FollowersCount: r.FollowersCount,
		FollowingCount: r.FollowingCount,
	}
}

// Follow is a directed follower -> followee edge.
type Follow struct {
	FollowerID string    `db:"follower_id" json:"follower_id"`
	FolloweeID string    `db:"followee_id" json:"followee_id"`
	IsAuto     bool      `db:"is_auto" json:"is_auto"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// FollowEarningsEvent records one follower payout caused by a payer's verified charge.
type FollowEarningsEvent struct {
	ID            string    `db:"id" json:"id"`
	ChargeID      uuid.UUID `db:"charge_id" json:"charge_id"`
	PayerID       string    `db:"payer_id" json:"payer_id"`
	ReceiverID    string    `db:"receiver_id" json:"receiver_id"`
	StationID     string    `db:"station_id" json:"station_id,omitempty"`
	SessionID     uuid.UUID `db:"session_id" json:"session_id"`
	EnergyKWh     float64   `db:"energy_kwh" json:"energy_kwh"`
	AmountCents   int64     `db:"amount_cents" json:"amount_cents"`
	WalletEventID string    `db:"wallet_event_id" json:"wallet_event_id,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// FollowEarningsMonthly rolls FollowEarningsEvents up per (receiver, payer, month).
type FollowEarningsMonthly struct {
	ReceiverID  string    `db:"receiver_id" json:"receiver_id"`
	PayerID     string    `db:"payer_id" json:"payer_id"`
	Month       time.Time `db:"month" json:"month"`
	AmountCents int64     `db:"amount_cents" json:"amount_cents"`
	EnergyKWh   float64   `db:"energy_kwh" json:"energy_kwh"`
	Events      int       `db:"events" json:"events"`
}

// MonthStart truncates t to the first instant of its UTC month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// DayStart truncates t to its UTC calendar day.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
