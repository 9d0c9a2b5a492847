package models

import (
	"time"

	"github.com/google/uuid"
)

// Close reasons recorded on sessions.
const (
	CloseReasonExplicit = "explicit"
	CloseReasonIdle     = "idle_timeout"
)

// Session represents one charging attempt derived from location reports.
type Session struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	UserID             string     `db:"user_id" json:"user_id"`
	StationID          string     `db:"station_id" json:"station_id,omitempty"`
	MerchantID         string     `db:"merchant_id" json:"merchant_id,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	StartAt            *time.Time `db:"start_at" json:"start_at,omitempty"`
	EndAt              *time.Time `db:"end_at" json:"end_at,omitempty"`
	LastReportAt       time.Time  `db:"last_report_at" json:"last_report_at"`
	VerifiedCharge     bool       `db:"verified_charge" json:"verified_charge"`
	EnergyKWh          *float64   `db:"energy_kwh" json:"energy_kwh,omitempty"`
	Confidence         Confidence `db:"confidence" json:"confidence"`
	FirstLat           float64    `db:"first_lat" json:"first_lat"`
	FirstLng           float64    `db:"first_lng" json:"first_lng"`
	LastLat            float64    `db:"last_lat" json:"last_lat"`
	LastLng            float64    `db:"last_lng" json:"last_lng"`
	LastAccuracyM      *float64   `db:"last_accuracy_m" json:"last_accuracy_m,omitempty"`
	DwellStartedAt     *time.Time `db:"dwell_started_at" json:"-"`
	StableSamples      int        `db:"stable_samples" json:"-"`
	ChargerConfirmedAt *time.Time `db:"charger_confirmed_at" json:"-"`
	CloseReason        string     `db:"close_reason" json:"close_reason,omitempty"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// IsOpen reports whether the session still accepts location reports.
func (s *Session) IsOpen() bool {
	return s.EndAt == nil
}

// WindowStart is the earliest instant the session covers.
func (s *Session) WindowStart() time.Time {
	if s.StartAt != nil {
		return *s.StartAt
	}
	return s.CreatedAt
}

// WindowEnd is the latest instant the session covers; open sessions extend to now.
func (s *Session) WindowEnd(now time.Time) time.Time {
	if s.EndAt != nil {
		return *s.EndAt
	}
	if now.Before(s.LastReportAt) {
		return s.LastReportAt
	}
	return now
}

// Snapshot returns the externally visible view.
func (s *Session) Snapshot() SessionSnapshot {
	return SessionSnapshot{
		SessionID:      s.ID,
		UserID:         s.UserID,
		MerchantID:     s.MerchantID,
		StationID:      s.StationID,
		Confidence:     s.Confidence,
		VerifiedCharge: s.VerifiedCharge,
		EnergyKWh:      s.EnergyKWh,
		Open:           s.IsOpen(),
		CreatedAt:      s.CreatedAt,
		StartAt:        s.StartAt,
		EndAt:          s.EndAt,
		LastReportAt:   s.LastReportAt,
	}
}

// SessionSnapshot is returned to location reporters and status readers.
type SessionSnapshot struct {
	SessionID      uuid.UUID  `json:"session_id"`
	UserID         string     `json:"user_id"`
	MerchantID     string     `json:"merchant_id,omitempty"`
	StationID      string     `json:"station_id,omitempty"`
	Confidence     Confidence `json:"confidence"`
	VerifiedCharge bool       `json:"verified_charge"`
	EnergyKWh      *float64   `json:"kwh,omitempty"`
	Open           bool       `json:"open"`
	CreatedAt      time.Time  `json:"created_at"`
	StartAt        *time.Time `json:"start_at,omitempty"`
	EndAt          *time.Time `json:"end_at,omitempty"`
	LastReportAt   time.Time  `json:"last_report_at"`
}

// LocationReport is one device location sample.
type LocationReport struct {
	UserID    string
	Lat       float64
	Lng       float64
	AccuracyM *float64
	ClientAt  *time.Time
}
