package models

import (
	"time"

	"github.com/google/uuid"
)

// MatchStatus is the reconciliation state of a PosEvent.
type MatchStatus string

const (
	MatchPending   MatchStatus = "pending"
	MatchMatched   MatchStatus = "matched"
	MatchUnmatched MatchStatus = "unmatched"
)

// MatchState tracks reconciliation for one PosEvent. Transitions are pending -> matched
// and pending -> unmatched only.
type MatchState struct {
	PosEventID    uuid.UUID   `db:"pos_event_id" json:"pos_event_id"`
	Status        MatchStatus `db:"status" json:"status"`
	SessionID     *uuid.UUID  `db:"session_id" json:"session_id,omitempty"`
	Attempts      int         `db:"attempts" json:"attempts"`
	LastAttemptAt *time.Time  `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	ResolvedAt    *time.Time  `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
}

// PendingMatch pairs an unresolved PosEvent with its state.
type PendingMatch struct {
	Event PosEvent
	State MatchState
}

// VerifiedCharge is the reconciled fact that a Session and a PosEvent confirm a real
// charge-and-spend event. At most one exists per PosEvent.
type VerifiedCharge struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	SessionID      uuid.UUID  `db:"session_id" json:"session_id"`
	PosEventID     uuid.UUID  `db:"pos_event_id" json:"pos_event_id"`
	UserID         string     `db:"user_id" json:"user_id"`
	MerchantID     string     `db:"merchant_id" json:"merchant_id"`
	StationID      string     `db:"station_id" json:"station_id,omitempty"`
	Confidence     Confidence `db:"confidence" json:"confidence"`
	AmountCents    int64      `db:"amount_cents" json:"amount_cents"`
	EnergyKWh      float64    `db:"energy_kwh" json:"energy_kwh"`
	EventAt        time.Time  `db:"event_at" json:"event_at"`
	IdempotencyKey string     `db:"idempotency_key" json:"idempotency_key"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// MatchOutcome is the result of one reconciliation attempt for a PosEvent.
type MatchOutcome string

const (
	OutcomeMatched         MatchOutcome = "matched"
	OutcomeDeferred        MatchOutcome = "deferred"
	OutcomeNoCandidate     MatchOutcome = "no_candidate"
	OutcomeExpired         MatchOutcome = "expired"
	OutcomeAlreadyResolved MatchOutcome = "already_resolved"
)

// MatchResult reports a reconciliation attempt.
type MatchResult struct {
	PosEventID uuid.UUID       `json:"pos_event_id"`
	Outcome    MatchOutcome    `json:"outcome"`
	Charge     *VerifiedCharge `json:"charge,omitempty"`
}
