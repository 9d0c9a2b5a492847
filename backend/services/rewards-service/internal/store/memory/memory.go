// Package memory is an in-process store.Store for local runs and tests. Transactions are
// serialized by one mutex and work on a full copy of the state that replaces the live
// state only on commit, so every transaction costs O(total rows).
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"evrewards/backend/services/rewards-service/internal/models"
	"evrewards/backend/services/rewards-service/internal/store"
)

// Store implements store.Store in memory.
type Store struct {
	mu    sync.Mutex
	state *state
}

// New returns an empty store.
func New() *Store {
	return &Store{state: newState()}
}

// InTx runs fn against a snapshot; the snapshot becomes the live state when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

type earningKey struct {
	chargeID uuid.UUID
	receiver string
}

type monthlyKey struct {
	receiver string
	payer    string
	month    time.Time
}

type followKey struct {
	follower string
	followee string
}

type state struct {
	sessions map[uuid.UUID]models.Session

	posEvents map[uuid.UUID]models.PosEvent
	posKeys   map[string]uuid.UUID
	matches   map[uuid.UUID]models.MatchState
	charges   map[uuid.UUID]models.VerifiedCharge

	walletEvents []models.WalletEvent
	walletKeys   map[string]int
	balances     map[string]int64

	merchants        map[string]models.Merchant
	merchantBalances map[string]models.MerchantBalance
	payouts          map[string]models.MerchantPayout

	reputations map[string]models.UserReputation
	follows     map[followKey]models.Follow
	earnings    map[string]models.FollowEarningsEvent
	earningKeys map[earningKey]string
	monthly     map[monthlyKey]models.FollowEarningsMonthly
}

func newState() *state {
	return &state{
		sessions:         map[uuid.UUID]models.Session{},
		posEvents:        map[uuid.UUID]models.PosEvent{},
		posKeys:          map[string]uuid.UUID{},
		matches:          map[uuid.UUID]models.MatchState{},
		charges:          map[uuid.UUID]models.VerifiedCharge{},
		walletKeys:       map[string]int{},
		balances:         map[string]int64{},
		merchants:        map[string]models.Merchant{},
		merchantBalances: map[string]models.MerchantBalance{},
		payouts:          map[string]models.MerchantPayout{},
		reputations:      map[string]models.UserReputation{},
		follows:          map[followKey]models.Follow{},
		earnings:         map[string]models.FollowEarningsEvent{},
		earningKeys:      map[earningKey]string{},
		monthly:          map[monthlyKey]models.FollowEarningsMonthly{},
	}
}

func (s *state) clone() *state {
	out := &state{
		sessions:         cloneMap(s.sessions),
		posEvents:        cloneMap(s.posEvents),
		posKeys:          cloneMap(s.posKeys),
		matches:          cloneMap(s.matches),
		charges:          cloneMap(s.charges),
		walletEvents:     append([]models.WalletEvent(nil), s.walletEvents...),
		walletKeys:       cloneMap(s.walletKeys),
		balances:         cloneMap(s.balances),
		merchants:        cloneMap(s.merchants),
		merchantBalances: cloneMap(s.merchantBalances),
		payouts:          cloneMap(s.payouts),
		reputations:      cloneMap(s.reputations),
		follows:          cloneMap(s.follows),
		earnings:         cloneMap(s.earnings),
		earningKeys:      cloneMap(s.earningKeys),
		monthly:          cloneMap(s.monthly),
	}
	return out
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type tx struct {
	st *state
}

func (t *tx) Sessions() store.SessionRepository      { return sessionRepo{st: t.st} }
func (t *tx) PosEvents() store.PosEventRepository    { return posEventRepo{st: t.st} }
func (t *tx) Matches() store.MatchRepository         { return matchRepo{st: t.st} }
func (t *tx) Wallet() store.WalletRepository         { return walletRepo{st: t.st} }
func (t *tx) Merchants() store.MerchantRepository    { return merchantRepo{st: t.st} }
func (t *tx) Reputation() store.ReputationRepository { return reputationRepo{st: t.st} }
func (t *tx) Follows() store.FollowRepository        { return followRepo{st: t.st} }

func timePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func floatPtr(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func uuidPtr(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
