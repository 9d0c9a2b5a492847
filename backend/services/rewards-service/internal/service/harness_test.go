package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/models"
	"evrewards/backend/services/rewards-service/internal/store"
	"evrewards/backend/services/rewards-service/internal/store/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func useClock(t *testing.T, start time.Time) *testClock {
	t.Helper()
	c := &testClock{now: start.UTC()}
	prev := timeNow
	timeNow = c.Now
	t.Cleanup(func() { timeNow = prev })
	return c
}

var (
	noon = time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)

	cafe = models.Merchant{
		ID:              "m-cafe",
		Name:            "Cafe at the chargers",
		Lat:             52.5200,
		Lng:             13.4050,
		GeofenceRadiusM: 80,
		StationID:       "st-1",
	}
	bakery = models.Merchant{
		ID:              "m-bakery",
		Name:            "Bakery",
		Lat:             48.1374,
		Lng:             11.5755,
		GeofenceRadiusM: 60,
	}
)

func testTrackingPolicy() TrackingPolicy {
	return TrackingPolicy{
		IdleTimeout:          15 * time.Minute,
		MinDwell:             5 * time.Minute,
		StableSamplesForHigh: 5,
		StabilityRadiusM:     30,
		MaxAccuracyM:         50,
	}
}

func testMatchPolicy() MatchPolicy {
	return MatchPolicy{
		RadiusM:     150,
		Slack:       15 * time.Minute,
		Retention:   24 * time.Hour,
		BatchSize:   100,
		RewardShare: decimal.NewFromInt(1),
	}
}

func testReputationPolicy() ReputationPolicy {
	return ReputationPolicy{
		PointsPerCharge: 10,
		PointsPerKWh:    decimal.NewFromInt(1),
		StreakBonus:     2,
		Tiers:           models.TierThresholds{Silver: 50, Gold: 200, Platinum: 1000},
		FollowerShare:   decimal.RequireFromString("0.10"),
	}
}

type harness struct {
	store      *memory.Store
	clock      *testClock
	cache      *fakeCache
	tracker    *SessionTracker
	ingestor   *PosEventIngestor
	ledger     *WalletLedger
	reputation *ReputationEngine
	reconciler *MatchReconciler
	merchants  *MerchantRegistry
}

func newHarness(t *testing.T, tweaks ...func(*Policies)) *harness {
	t.Helper()
	logger := zap.NewNop()
	h := &harness{
		store: memory.New(),
		clock: useClock(t, noon),
		cache: newFakeCache(),
	}
	policies := Policies{
		Tracking:     testTrackingPolicy(),
		Matching:     testMatchPolicy(),
		Reputation:   testReputationPolicy(),
		MaxGeofenceM: 500,
	}
	for _, tweak := range tweaks {
		tweak(&policies)
	}
	services := NewServices(h.store, NewLocalLocker(), h.cache, policies, logger)
	h.ledger = services.Ledger
	h.reputation = services.Reputation
	h.reconciler = services.Reconciler
	h.tracker = services.Tracker
	h.ingestor = services.Ingestor
	h.merchants = services.Merchants

	ctx := context.Background()
	for _, m := range []models.Merchant{cafe, bakery} {
		_, err := h.merchants.Upsert(ctx, m)
		require.NoError(t, err)
	}
	return h
}

// ping reports a location at the merchant position, offset by metres north.
func (h *harness) ping(t *testing.T, userID string, m models.Merchant, northM float64) *models.SessionSnapshot {
	t.Helper()
	snapshot, err := h.tracker.ReportLocation(context.Background(), models.LocationReport{
		UserID: userID,
		Lat:    m.Lat + northM/111_195,
		Lng:    m.Lng,
	})
	require.NoError(t, err)
	return snapshot
}

func (h *harness) webhook(t *testing.T, id, userID, merchantID string, amount int64, at time.Time) models.IngestResult {
	t.Helper()
	result, err := h.ingestor.Ingest(context.Background(), models.PosWebhook{
		Provider:        "square",
		ProviderEventID: id,
		MerchantID:      merchantID,
		UserID:          userID,
		EventType:       "payment.completed",
		OrderID:         "order-" + id,
		AmountCents:     amount,
		EventAt:         at,
		RawPayload:      []byte(`{"currency":"EUR","status":"COMPLETED"}`),
	})
	require.NoError(t, err)
	return result
}

func (h *harness) balance(t *testing.T, userID string) int64 {
	t.Helper()
	balance, err := h.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	require.NoError(t, h.ledger.VerifyBalance(context.Background(), userID))
	return balance
}

func (h *harness) matchState(t *testing.T, posEventID uuid.UUID) models.MatchState {
	t.Helper()
	var state *models.MatchState
	require.NoError(t, h.store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		state, err = tx.Matches().LockState(ctx, posEventID)
		return err
	}))
	return *state
}

func (h *harness) walletEvents(t *testing.T) int {
	t.Helper()
	var totals []models.AccountTotals
	require.NoError(t, h.store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		totals, err = tx.Wallet().ListAccountTotals(ctx)
		return err
	}))
	n := 0
	for _, total := range totals {
		events, err := h.ledger.History(context.Background(), total.UserID, 0)
		require.NoError(t, err)
		n += len(events)
	}
	return n
}

type fakeCache struct {
	mu        sync.Mutex
	snapshots map[uuid.UUID]models.SessionSnapshot
	deletes   int
}

func newFakeCache() *fakeCache {
	return &fakeCache{snapshots: make(map[uuid.UUID]models.SessionSnapshot)}
}

func (c *fakeCache) Save(_ context.Context, s models.SessionSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[s.SessionID] = s
	return nil
}

func (c *fakeCache) Get(_ context.Context, id uuid.UUID) (*models.SessionSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snapshots[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &s, nil
}

func (c *fakeCache) Delete(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, id)
	c.deletes++
	return nil
}
