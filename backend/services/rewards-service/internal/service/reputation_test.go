package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/models"
	"evrewards/backend/services/rewards-service/internal/store"
	"evrewards/backend/services/rewards-service/internal/store/memory"
)

func newTestReputation(t *testing.T) (*ReputationEngine, *memory.Store) {
	t.Helper()
	useClock(t, noon)
	st := memory.New()
	ledger := NewWalletLedger(st, zap.NewNop())
	return NewReputationEngine(st, ledger, testReputationPolicy(), zap.NewNop()), st
}

func applyCharge(t *testing.T, engine *ReputationEngine, st *memory.Store, userID string, at time.Time, kwh float64) {
	t.Helper()
	charge := models.VerifiedCharge{
		ID:          uuid.New(),
		SessionID:   uuid.New(),
		PosEventID:  uuid.New(),
		UserID:      userID,
		AmountCents: 1000,
		EnergyKWh:   kwh,
		EventAt:     at,
	}
	require.NoError(t, st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := engine.ApplyVerifiedChargeInTx(ctx, tx, charge)
		return err
	}))
}

func TestStreakScoreAndTier(t *testing.T) {
	engine, st := newTestReputation(t)
	ctx := context.Background()
	day1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	steps := []struct {
		at     time.Time
		kwh    float64
		streak int
		score  int64
		tier   models.Tier
	}{
		{day1, 0, 1, 12, models.TierBronze},
		{day1.Add(10 * time.Hour), 0, 1, 24, models.TierBronze},
		{day1.Add(24 * time.Hour), 7.5, 2, 45, models.TierBronze},
		{day1.Add(72 * time.Hour), 0, 1, 57, models.TierSilver},
		// out-of-order charge from an earlier day leaves the streak alone
		{day1.Add(48 * time.Hour), 0, 1, 69, models.TierSilver},
	}
	for i, step := range steps {
		applyCharge(t, engine, st, "driver", step.at, step.kwh)
		view, err := engine.Reputation(ctx, "driver")
		require.NoError(t, err)
		require.Equal(t, step.streak, view.StreakDays, "step %d", i)
		require.Equal(t, step.score, view.Score, "step %d", i)
		require.Equal(t, step.tier, view.Tier, "step %d", i)
	}
}

func TestReputationDefaultsForUnknownUser(t *testing.T) {
	engine, _ := newTestReputation(t)
	view, err := engine.Reputation(context.Background(), "nobody")
	require.NoError(t, err)
	require.Equal(t, models.ReputationView{UserID: "nobody", Tier: models.TierBronze}, view)
}

func TestFollowMaintainsCounters(t *testing.T) {
	engine, _ := newTestReputation(t)
	ctx := context.Background()

	_, err := engine.Follow(ctx, "a", "star", false)
	require.NoError(t, err)
	_, err = engine.Follow(ctx, "b", "star", true)
	require.NoError(t, err)
	_, err = engine.Follow(ctx, "star", "a", false)
	require.NoError(t, err)

	star, err := engine.Reputation(ctx, "star")
	require.NoError(t, err)
	require.Equal(t, 2, star.FollowersCount)
	require.Equal(t, 1, star.FollowingCount)

	_, err = engine.Follow(ctx, "a", "star", false)
	require.ErrorIs(t, err, models.ErrDuplicateFollow)
	require.ErrorIs(t, err, models.ErrInvariantViolation)

	_, err = engine.Follow(ctx, "a", "a", false)
	require.ErrorIs(t, err, models.ErrSelfFollow)

	require.NoError(t, engine.Unfollow(ctx, "b", "star"))
	require.ErrorIs(t, engine.Unfollow(ctx, "b", "star"), models.ErrNotFound)

	star, err = engine.Reputation(ctx, "star")
	require.NoError(t, err)
	require.Equal(t, 1, star.FollowersCount)

	for _, user := range []string{"a", "b", "star", "stranger"} {
		require.NoError(t, engine.AuditFollowCounts(ctx, user), user)
	}
}

func TestAuditFollowCountsDetectsMismatch(t *testing.T) {
	engine, st := newTestReputation(t)
	ctx := context.Background()

	_, err := engine.Follow(ctx, "a", "star", false)
	require.NoError(t, err)
	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.Reputation().AdjustFollowCounts(ctx, "star", 1, 0, noon)
		return err
	}))

	err = engine.AuditFollowCounts(ctx, "star")
	require.ErrorIs(t, err, models.ErrFollowCountMismatch)
}

func TestFollowerShareRoundsDown(t *testing.T) {
	engine, st := newTestReputation(t)
	ctx := context.Background()

	_, err := engine.Follow(ctx, "fan", "payer", false)
	require.NoError(t, err)

	charge := models.VerifiedCharge{ID: uuid.New(), SessionID: uuid.New(), UserID: "payer", AmountCents: 999, EventAt: noon}
	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		credits, err := engine.ApplyVerifiedChargeInTx(ctx, tx, charge)
		require.Len(t, credits, 1)
		require.Equal(t, int64(99), credits[0].Event.AmountCents)
		return err
	}))

	tiny := models.VerifiedCharge{ID: uuid.New(), SessionID: uuid.New(), UserID: "payer", AmountCents: 9, EventAt: noon}
	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		credits, err := engine.ApplyVerifiedChargeInTx(ctx, tx, tiny)
		require.Empty(t, credits)
		return err
	}))
}
