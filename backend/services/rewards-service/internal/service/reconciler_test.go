package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"evrewards/backend/services/rewards-service/internal/models"
	"evrewards/backend/services/rewards-service/internal/store"
)

func TestNoonChargeIsCreditedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first := h.ping(t, "u1", cafe, 0)
	require.Equal(t, models.ConfidenceNone, first.Confidence)

	h.clock.Set(noon.Add(3 * time.Minute))
	require.Equal(t, models.ConfidenceNone, h.ping(t, "u1", cafe, 2).Confidence)

	h.clock.Set(noon.Add(5 * time.Minute))
	ingested := h.webhook(t, "evt-1", "u1", cafe.ID, 1500, noon.Add(5*time.Minute))
	require.True(t, ingested.Created)
	require.Equal(t, models.MatchPending, h.matchState(t, ingested.EventID).Status)
	require.Zero(t, h.balance(t, "u1"))

	h.clock.Set(noon.Add(6 * time.Minute))
	third := h.ping(t, "u1", cafe, 1)
	require.Equal(t, models.ConfidenceMedium, third.Confidence)
	require.True(t, third.VerifiedCharge)
	require.Equal(t, first.SessionID, third.SessionID)

	state := h.matchState(t, ingested.EventID)
	require.Equal(t, models.MatchMatched, state.Status)
	require.NotNil(t, state.SessionID)
	require.Equal(t, first.SessionID, *state.SessionID)

	require.Equal(t, int64(1500), h.balance(t, "u1"))
	merchant, err := h.ledger.MerchantBalance(ctx, cafe.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1500), merchant.PendingCents)
	require.Zero(t, merchant.UnverifiedCents)

	history, err := h.ledger.History(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, models.SourceMerchantReward, history[0].Source)
	require.Equal(t, cafe.ID, history[0].MerchantID)
	require.Equal(t, models.MetaMerchantReward, history[0].Meta.Kind)
	require.Equal(t, ingested.EventID, history[0].Meta.MerchantReward.PosEventID)

	// redelivery one minute later
	redelivered := h.webhook(t, "evt-1", "u1", cafe.ID, 1500, noon.Add(5*time.Minute))
	require.False(t, redelivered.Created)
	require.Equal(t, ingested.EventID, redelivered.EventID)
	require.Equal(t, int64(1500), h.balance(t, "u1"))
	require.Equal(t, 1, h.walletEvents(t))

	report, err := h.reconciler.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Scanned)
	require.Positive(t, h.cache.deletes)
}

func TestMatchWithoutUserUsesMerchantLocation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		h.clock.Set(noon.Add(time.Duration(i*3) * time.Minute))
		h.ping(t, "u2", cafe, 5)
	}

	h.clock.Set(noon.Add(7 * time.Minute))
	ingested := h.webhook(t, "evt-anon", "", cafe.ID, 820, noon.Add(5*time.Minute))
	require.True(t, ingested.Created)

	result, err := h.reconciler.ReconcileEvent(ctx, ingested.EventID)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeAlreadyResolved, result.Outcome)
	require.NotNil(t, result.Charge)
	require.Equal(t, "u2", result.Charge.UserID)
	require.Equal(t, cafe.StationID, result.Charge.StationID)
	require.Equal(t, int64(820), h.balance(t, "u2"))
}

func TestFollowersReceiveShareOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.reputation.Follow(ctx, "f1", "payer", false)
	require.NoError(t, err)
	_, err = h.reputation.Follow(ctx, "f2", "payer", true)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		h.clock.Set(noon.Add(time.Duration(i*3) * time.Minute))
		h.ping(t, "payer", cafe, 0)
	}
	ingested := h.webhook(t, "evt-share", "payer", cafe.ID, 1000, noon.Add(4*time.Minute))
	require.True(t, ingested.Created)

	require.Equal(t, int64(1000), h.balance(t, "payer"))
	require.Equal(t, int64(100), h.balance(t, "f1"))
	require.Equal(t, int64(100), h.balance(t, "f2"))

	merchant, err := h.ledger.MerchantBalance(ctx, cafe.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1000), merchant.PendingCents)

	result, err := h.reconciler.ReconcileEvent(ctx, ingested.EventID)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeAlreadyResolved, result.Outcome)
	require.NotNil(t, result.Charge)

	require.NoError(t, h.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		credits, err := h.reputation.ApplyVerifiedChargeInTx(ctx, tx, *result.Charge)
		require.Empty(t, credits)
		return err
	}))
	_, err = h.reconciler.Sweep(ctx)
	require.NoError(t, err)

	require.Equal(t, int64(100), h.balance(t, "f1"))
	require.Equal(t, int64(100), h.balance(t, "f2"))
	require.Equal(t, 3, h.walletEvents(t))

	monthly, err := h.reputation.MonthlyEarnings(ctx, "f1", noon)
	require.NoError(t, err)
	require.Len(t, monthly, 1)
	require.Equal(t, "payer", monthly[0].PayerID)
	require.Equal(t, int64(100), monthly[0].AmountCents)
	require.Equal(t, 1, monthly[0].Events)

	f1History, err := h.ledger.History(ctx, "f1", 0)
	require.NoError(t, err)
	require.Len(t, f1History, 1)
	require.Equal(t, models.SourceFollowerShare, f1History[0].Source)
	require.Empty(t, f1History[0].MerchantID)
	require.Equal(t, "payer", f1History[0].Meta.FollowerShare.PayerID)
}

func TestUnmatchedEventExpiresAfterRetention(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	ingested := h.webhook(t, "evt-lonely", "", bakery.ID, 900, noon)
	require.True(t, ingested.Created)
	require.Equal(t, models.MatchPending, h.matchState(t, ingested.EventID).Status)

	h.clock.Advance(25 * time.Hour)
	report, err := h.reconciler.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Expired)
	require.Equal(t, models.MatchUnmatched, h.matchState(t, ingested.EventID).Status)

	merchant, err := h.ledger.MerchantBalance(ctx, bakery.ID)
	require.NoError(t, err)
	require.Equal(t, int64(900), merchant.PendingCents)
	require.Equal(t, int64(900), merchant.UnverifiedCents)
	require.Zero(t, h.walletEvents(t))

	// a session appearing later never revives the event
	for i := 0; i < 3; i++ {
		h.clock.Advance(3 * time.Minute)
		h.ping(t, "late", bakery, 0)
	}
	result, err := h.reconciler.ReconcileEvent(ctx, ingested.EventID)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeAlreadyResolved, result.Outcome)
	require.Nil(t, result.Charge)

	report, err = h.reconciler.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Scanned)
	require.Zero(t, h.walletEvents(t))
	merchant, err = h.ledger.MerchantBalance(ctx, bakery.ID)
	require.NoError(t, err)
	require.Equal(t, int64(900), merchant.PendingCents)
}

func TestLowConfidenceCandidateDefers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	near := createSession(t, h, models.Session{
		UserID:     "weak",
		CreatedAt:  noon.Add(-2 * time.Minute),
		Confidence: models.ConfidenceNone,
		LastLat:    cafe.Lat,
		LastLng:    cafe.Lng,
	})
	end := noon.Add(-20 * time.Minute)
	createSession(t, h, models.Session{
		UserID:     "strong",
		CreatedAt:  noon.Add(-50 * time.Minute),
		EndAt:      &end,
		Confidence: models.ConfidenceHigh,
		LastLat:    cafe.Lat,
		LastLng:    cafe.Lng,
	})

	h.clock.Set(noon.Add(time.Minute))
	ingested := h.webhook(t, "evt-defer", "", cafe.ID, 500, noon)
	result, err := h.reconciler.ReconcileEvent(ctx, ingested.EventID)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeDeferred, result.Outcome)

	state := h.matchState(t, ingested.EventID)
	require.Equal(t, models.MatchPending, state.Status)
	require.Equal(t, 2, state.Attempts)
	require.Zero(t, h.balance(t, "weak"))
	require.Zero(t, h.balance(t, "strong"))

	require.NoError(t, h.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := tx.Sessions().GetForUpdate(ctx, near.ID)
		if err != nil {
			return err
		}
		s.Confidence = models.ConfidenceMedium
		return tx.Sessions().Update(ctx, s)
	}))
	report, err := h.reconciler.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Matched)
	require.Equal(t, int64(500), h.balance(t, "weak"))
	require.Zero(t, h.balance(t, "strong"))
}

func TestNearbyUnconfirmedSessionDoesNotBlockEligibleMatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var charging *models.SessionSnapshot
	for i := 0; i < 3; i++ {
		h.clock.Set(noon.Add(time.Duration(i*3) * time.Minute))
		charging = h.ping(t, "charger", cafe, 0)
	}
	require.Equal(t, models.ConfidenceMedium, charging.Confidence)

	h.clock.Set(noon.Add(7 * time.Minute))
	_, err := h.tracker.CloseSession(ctx, charging.SessionID, nil)
	require.NoError(t, err)

	h.clock.Set(noon.Add(20 * time.Minute))
	walker := h.ping(t, "walker", cafe, 10)
	require.Equal(t, models.ConfidenceNone, walker.Confidence)

	ingested := h.webhook(t, "evt-crowded", "", cafe.ID, 640, noon.Add(19*time.Minute))
	state := h.matchState(t, ingested.EventID)
	require.Equal(t, models.MatchMatched, state.Status)
	require.NotNil(t, state.SessionID)
	require.Equal(t, charging.SessionID, *state.SessionID)
	require.Equal(t, int64(640), h.balance(t, "charger"))
	require.Zero(t, h.balance(t, "walker"))

	h.clock.Advance(25 * time.Hour)
	report, err := h.reconciler.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Expired)
	require.Equal(t, models.MatchMatched, h.matchState(t, ingested.EventID).Status)
}

func TestPartialRewardShareStillSettlesFullAmount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(p *Policies) {
		p.Matching.RewardShare = decimal.RequireFromString("0.05")
	})

	for i := 0; i < 3; i++ {
		h.clock.Set(noon.Add(time.Duration(i*3) * time.Minute))
		h.ping(t, "u5", cafe, 0)
	}
	h.webhook(t, "evt-partial", "u5", cafe.ID, 1500, noon.Add(4*time.Minute))
	require.Equal(t, int64(75), h.balance(t, "u5"))

	merchant, err := h.ledger.MerchantBalance(ctx, cafe.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1500), merchant.PendingCents)
	require.Zero(t, merchant.UnverifiedCents)
}

func TestZeroRewardShareSettlesWithoutCredit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(p *Policies) {
		p.Matching.RewardShare = decimal.Zero
	})

	for i := 0; i < 3; i++ {
		h.clock.Set(noon.Add(time.Duration(i*3) * time.Minute))
		h.ping(t, "u6", cafe, 0)
	}
	ingested := h.webhook(t, "evt-zero", "u6", cafe.ID, 900, noon.Add(4*time.Minute))
	require.Equal(t, models.MatchMatched, h.matchState(t, ingested.EventID).Status)
	require.Zero(t, h.balance(t, "u6"))

	merchant, err := h.ledger.MerchantBalance(ctx, cafe.ID)
	require.NoError(t, err)
	require.Equal(t, int64(900), merchant.PendingCents)
}

func TestDeferredEventExpiresWhenConfidenceNeverRises(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.ping(t, "u3", cafe, 0)
	ingested := h.webhook(t, "evt-stuck", "u3", cafe.ID, 700, noon)
	require.Equal(t, models.MatchPending, h.matchState(t, ingested.EventID).Status)

	h.clock.Advance(25 * time.Hour)
	report, err := h.reconciler.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Expired)
	require.Zero(t, h.balance(t, "u3"))
}

func TestRepeatedAndConcurrentSweepsPostOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		h.clock.Set(noon.Add(time.Duration(i*3) * time.Minute))
		h.ping(t, "u4", cafe, 0)
	}
	h.ingestor.SetObserver(nil)
	eventIDs := []uuid.UUID{
		h.webhook(t, "evt-a", "u4", cafe.ID, 300, noon.Add(2*time.Minute)).EventID,
		h.webhook(t, "evt-b", "u4", cafe.ID, 200, noon.Add(4*time.Minute)).EventID,
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = h.reconciler.Sweep(ctx)
				return
			}
			_, _ = h.reconciler.ReconcileEvent(ctx, eventIDs[i%len(eventIDs)])
		}(i)
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		_, err := h.reconciler.Sweep(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, int64(500), h.balance(t, "u4"))
	require.Equal(t, 2, h.walletEvents(t))
	for _, id := range eventIDs {
		require.Equal(t, models.MatchMatched, h.matchState(t, id).Status)
	}
}

func TestRankOrdersCandidates(t *testing.T) {
	m := &MatchReconciler{policy: testMatchPolicy()}
	eventAt := noon
	now := noon.Add(30 * time.Minute)
	at := func(d time.Duration) *time.Time {
		v := noon.Add(d)
		return &v
	}

	early := models.Session{ID: uuid.New(), CreatedAt: noon.Add(-time.Hour), EndAt: at(-10 * time.Minute), LastReportAt: noon.Add(-10 * time.Minute), Confidence: models.ConfidenceHigh}
	medium := models.Session{ID: uuid.New(), CreatedAt: noon.Add(-5 * time.Minute), LastReportAt: noon.Add(10 * time.Minute), Confidence: models.ConfidenceMedium}
	highOld := models.Session{ID: uuid.New(), CreatedAt: noon.Add(-2 * time.Minute), LastReportAt: noon.Add(time.Minute), Confidence: models.ConfidenceHigh}
	highRecent := models.Session{ID: uuid.New(), CreatedAt: noon.Add(-time.Minute), EndAt: at(20 * time.Minute), LastReportAt: noon.Add(20 * time.Minute), Confidence: models.ConfidenceHigh}

	best := m.rank(&models.PosEvent{EventAt: eventAt}, []models.Session{early, medium, highOld, highRecent}, now)
	require.Equal(t, highRecent.ID, best.ID)

	best = m.rank(&models.PosEvent{EventAt: eventAt}, []models.Session{early, medium, highOld}, now)
	require.Equal(t, highOld.ID, best.ID)

	best = m.rank(&models.PosEvent{EventAt: eventAt}, []models.Session{early, medium}, now)
	require.Equal(t, medium.ID, best.ID)

	require.Nil(t, m.rank(&models.PosEvent{EventAt: eventAt}, nil, now))
}

func TestWindowDelta(t *testing.T) {
	start := noon
	end := noon.Add(time.Hour)
	s := models.Session{CreatedAt: noon.Add(-time.Hour), StartAt: &start, EndAt: &end}

	require.Equal(t, 10*time.Minute, windowDelta(noon.Add(-10*time.Minute), s, noon))
	require.Zero(t, windowDelta(noon.Add(30*time.Minute), s, noon))
	require.Equal(t, 5*time.Minute, windowDelta(end.Add(5*time.Minute), s, noon))
}

func createSession(t *testing.T, h *harness, s models.Session) models.Session {
	t.Helper()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.LastReportAt.IsZero() {
		s.LastReportAt = s.CreatedAt
	}
	if s.StartAt == nil {
		start := s.CreatedAt
		s.StartAt = &start
	}
	require.NoError(t, h.store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Sessions().Create(ctx, &s)
	}))
	return s
}

func TestSweepRotatesThroughDeferredEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(p *Policies) { p.Matching.BatchSize = 1 })

	createSession(t, h, models.Session{
		UserID:     "idler",
		CreatedAt:  noon.Add(-2 * time.Minute),
		Confidence: models.ConfidenceNone,
		LastLat:    cafe.Lat,
		LastLng:    cafe.Lng,
	})

	h.clock.Set(noon.Add(time.Minute))
	older := h.webhook(t, "evt-older", "", cafe.ID, 300, noon)
	h.clock.Set(noon.Add(2 * time.Minute))
	newer := h.webhook(t, "evt-newer", "", cafe.ID, 400, noon.Add(time.Minute))
	require.Equal(t, 1, h.matchState(t, older.EventID).Attempts)
	require.Equal(t, 1, h.matchState(t, newer.EventID).Attempts)

	for i, want := range []struct{ older, newer int }{{2, 1}, {2, 2}, {3, 2}} {
		h.clock.Set(noon.Add(time.Duration(3+i) * time.Minute))
		report, err := h.reconciler.Sweep(ctx)
		require.NoError(t, err)
		require.Equal(t, SweepReport{Scanned: 1, Deferred: 1}, report)
		require.Equal(t, want.older, h.matchState(t, older.EventID).Attempts, "sweep %d", i)
		require.Equal(t, want.newer, h.matchState(t, newer.EventID).Attempts, "sweep %d", i)
	}
}
