// Package store defines the transactional persistence boundary shared by the Postgres
// repositories and the in-memory implementation.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"evrewards/backend/services/rewards-service/internal/geo"
	"evrewards/backend/services/rewards-service/internal/models"
)

// Store runs units of work atomically. fn may be retried on transient conflicts, so it
// must not have side effects outside tx.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx exposes the repositories bound to one transaction.
type Tx interface {
	Sessions() SessionRepository
	PosEvents() PosEventRepository
	Matches() MatchRepository
	Wallet() WalletRepository
	Merchants() MerchantRepository
	Reputation() ReputationRepository
	Follows() FollowRepository
}

// SessionRepository persists sessions. Lookups return models.ErrNotFound when nothing matches.
type SessionRepository interface {
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Session, error)
	// OpenForUser locks and returns the user's open session.
	OpenForUser(ctx context.Context, userID string) (*models.Session, error)
	Update(ctx context.Context, s *models.Session) error
	// ListByUserInWindow returns sessions whose lifetime overlaps [from, to].
	ListByUserInWindow(ctx context.Context, userID string, from, to time.Time) ([]models.Session, error)
	// ListNearInWindow returns sessions whose last position lies in box and whose lifetime overlaps [from, to].
	ListNearInWindow(ctx context.Context, box geo.BoundingBox, from, to time.Time) ([]models.Session, error)
	// ListIdle returns open sessions whose last report is before cutoff.
	ListIdle(ctx context.Context, cutoff time.Time, limit int) ([]models.Session, error)
}

// PendingFilter narrows ListPending. An empty UserID with a MerchantID selects user-less events.
// Results are ordered by event time unless StalestFirst orders them by the last reconciliation
// attempt, falling back to when the event became pending.
type PendingFilter struct {
	UserID       string
	MerchantID   string
	Limit        int
	StalestFirst bool
}

// PosEventRepository persists POS events. Insert reports created=false and fills the
// existing identity when (provider, provider_event_id) is already present.
type PosEventRepository interface {
	Insert(ctx context.Context, e *models.PosEvent) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (*models.PosEvent, error)
	ListPending(ctx context.Context, filter PendingFilter) ([]models.PendingMatch, error)
}

// MatchRepository persists reconciliation state and verified charges.
type MatchRepository interface {
	InitPending(ctx context.Context, posEventID uuid.UUID, at time.Time) error
	LockState(ctx context.Context, posEventID uuid.UUID) (*models.MatchState, error)
	RecordAttempt(ctx context.Context, posEventID uuid.UUID, at time.Time) error
	MarkMatched(ctx context.Context, posEventID, sessionID uuid.UUID, at time.Time) error
	MarkUnmatched(ctx context.Context, posEventID uuid.UUID, at time.Time) error
	// InsertVerified reports created=false when a charge for the PosEvent already exists.
	InsertVerified(ctx context.Context, vc *models.VerifiedCharge) (bool, error)
	GetVerifiedByPosEvent(ctx context.Context, posEventID uuid.UUID) (*models.VerifiedCharge, error)
}

// WalletRepository persists ledger entries and the running balance per user.
type WalletRepository interface {
	// InsertEvent reports created=false when the idempotency key is taken.
	InsertEvent(ctx context.Context, e *models.WalletEvent) (bool, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.WalletEvent, error)
	// AddToRunningBalance applies delta and returns the new running balance.
	AddToRunningBalance(ctx context.Context, userID string, delta int64, at time.Time) (int64, error)
	RunningBalance(ctx context.Context, userID string) (int64, error)
	SumEvents(ctx context.Context, userID string) (int64, error)
	ListEvents(ctx context.Context, userID string, limit int) ([]models.WalletEvent, error)
	ListAccountTotals(ctx context.Context) ([]models.AccountTotals, error)
}

// MerchantRepository persists merchants, settlement balances and payouts.
type MerchantRepository interface {
	Upsert(ctx context.Context, m *models.Merchant) error
	Get(ctx context.Context, id string) (*models.Merchant, error)
	ListNear(ctx context.Context, box geo.BoundingBox) ([]models.Merchant, error)
	AddPending(ctx context.Context, merchantID string, pendingDelta, unverifiedDelta int64, at time.Time) error
	// GetBalance returns a zero balance for merchants that never accrued anything.
	GetBalance(ctx context.Context, merchantID string) (*models.MerchantBalance, error)
	// InsertPayout reports created=false and fills the existing row for a known payout_ref.
	InsertPayout(ctx context.Context, p *models.MerchantPayout) (bool, error)
	// ApplyPayout moves amount from pending to paid, failing with ErrPayoutExceedsPending.
	ApplyPayout(ctx context.Context, merchantID string, amountCents int64, at time.Time) error
}

// ReputationRepository persists reputation rows.
type ReputationRepository interface {
	Get(ctx context.Context, userID string) (*models.UserReputation, error)
	// Lock creates the row if missing and locks it for the rest of the transaction.
	Lock(ctx context.Context, userID string) (*models.UserReputation, error)
	Save(ctx context.Context, r *models.UserReputation) error
	// AdjustFollowCounts applies the deltas and fails with ErrCounterUnderflow below zero.
	AdjustFollowCounts(ctx context.Context, userID string, followersDelta, followingDelta int, at time.Time) (*models.UserReputation, error)
}

// FollowRepository persists the follow graph and follower earnings.
type FollowRepository interface {
	Insert(ctx context.Context, f *models.Follow) (bool, error)
	Delete(ctx context.Context, followerID, followeeID string) (bool, error)
	ListFollowers(ctx context.Context, followeeID string) ([]models.Follow, error)
	CountFollowers(ctx context.Context, userID string) (int, error)
	CountFollowing(ctx context.Context, userID string) (int, error)
	// InsertEarning reports created=false and fills the existing row for a known (charge, receiver).
	InsertEarning(ctx context.Context, e *models.FollowEarningsEvent) (bool, error)
	SetEarningWalletEvent(ctx context.Context, earningID, walletEventID string) error
	AddMonthlyEarning(ctx context.Context, e *models.FollowEarningsEvent) error
	ListMonthlyEarnings(ctx context.Context, receiverID string, month time.Time) ([]models.FollowEarningsMonthly, error)
}
