package service

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"evrewards/backend/services/rewards-service/internal/models"
	"evrewards/backend/services/rewards-service/internal/store"
)

func TestReportLocationValidatesInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bad := -1.0

	cases := []models.LocationReport{
		{Lat: cafe.Lat, Lng: cafe.Lng},
		{UserID: "u", Lat: 91, Lng: 0},
		{UserID: "u", Lat: 0, Lng: 181},
		{UserID: "u", Lat: cafe.Lat, Lng: cafe.Lng, AccuracyM: &bad},
	}
	for _, report := range cases {
		_, err := h.tracker.ReportLocation(ctx, report)
		require.ErrorIs(t, err, models.ErrValidation)
	}
}

func TestConfidenceRisesToHighWithStableSamples(t *testing.T) {
	h := newHarness(t)

	var last *models.SessionSnapshot
	for i := 0; i < 5; i++ {
		h.clock.Set(noon.Add(time.Duration(i*2) * time.Minute))
		last = h.ping(t, "stable", cafe, float64(i))
		if i < 3 {
			require.Equal(t, models.ConfidenceNone, last.Confidence, "sample %d", i)
		}
	}
	// dwell reached at 12:06, fifth stable sample at 12:08
	require.Equal(t, models.ConfidenceHigh, last.Confidence)
}

func TestConfidenceNeverDecreases(t *testing.T) {
	h := newHarness(t)
	rng := rand.New(rand.NewSource(7))

	previous := models.ConfidenceNone
	var sessionID uuid.UUID
	for i := 0; i < 60; i++ {
		h.clock.Set(noon.Add(time.Duration(i) * time.Minute))
		var offset float64
		switch rng.Intn(3) {
		case 0:
			offset = 0
		case 1:
			offset = 50
		default:
			offset = 5000
		}
		snapshot := h.ping(t, "wanderer", cafe, offset)
		if sessionID == uuid.Nil {
			sessionID = snapshot.SessionID
		}
		require.Equal(t, sessionID, snapshot.SessionID)
		require.GreaterOrEqual(t, int(snapshot.Confidence), int(previous))
		previous = snapshot.Confidence
	}
}

func TestLeavingGeofenceKeepsMedium(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.clock.Set(noon.Add(time.Duration(i*3) * time.Minute))
		h.ping(t, "leaver", cafe, 0)
	}
	h.clock.Set(noon.Add(8 * time.Minute))
	snapshot := h.ping(t, "leaver", cafe, 3000)
	require.Equal(t, models.ConfidenceMedium, snapshot.Confidence)
	require.Equal(t, cafe.ID, snapshot.MerchantID)
}

func TestIdleGapOpensNewSession(t *testing.T) {
	h := newHarness(t)

	first := h.ping(t, "idle", cafe, 0)
	h.clock.Set(noon.Add(20 * time.Minute))
	second := h.ping(t, "idle", cafe, 0)
	require.NotEqual(t, first.SessionID, second.SessionID)
	require.True(t, second.Open)

	closed, err := h.tracker.Snapshot(context.Background(), first.SessionID)
	require.NoError(t, err)
	require.False(t, closed.Open)
	require.NotNil(t, closed.EndAt)
	require.True(t, closed.EndAt.Equal(noon))
}

func TestStaleReportIsIgnored(t *testing.T) {
	h := newHarness(t)

	h.clock.Set(noon.Add(4 * time.Minute))
	h.ping(t, "late", cafe, 0)

	clientAt := noon.Add(time.Minute)
	snapshot, err := h.tracker.ReportLocation(context.Background(), models.LocationReport{
		UserID:   "late",
		Lat:      cafe.Lat + 0.1,
		Lng:      cafe.Lng,
		ClientAt: &clientAt,
	})
	require.NoError(t, err)
	require.True(t, snapshot.LastReportAt.Equal(noon.Add(4*time.Minute)))
}

func TestAutoCloseIdleUsesLastReport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	opened := h.ping(t, "sleepy", cafe, 0)
	h.clock.Set(noon.Add(2 * time.Minute))
	h.ping(t, "sleepy", cafe, 0)
	h.clock.Set(noon.Add(10 * time.Minute))
	h.ping(t, "fresh", cafe, 0)

	h.clock.Set(noon.Add(18 * time.Minute))
	n, err := h.tracker.AutoCloseIdle(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, h.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := tx.Sessions().Get(ctx, opened.SessionID)
		require.NoError(t, err)
		require.Equal(t, models.CloseReasonIdle, s.CloseReason)
		require.True(t, s.EndAt.Equal(noon.Add(2*time.Minute)))
		return nil
	}))

	n, err = h.tracker.AutoCloseIdle(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCloseSessionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	opened := h.ping(t, "closer", cafe, 0)
	h.clock.Set(noon.Add(10 * time.Minute))

	closed, err := h.tracker.CloseSession(ctx, opened.SessionID, nil)
	require.NoError(t, err)
	require.False(t, closed.Open)
	require.Nil(t, closed.EnergyKWh)

	kwh := 18.5
	h.clock.Set(noon.Add(15 * time.Minute))
	again, err := h.tracker.CloseSession(ctx, opened.SessionID, &kwh)
	require.NoError(t, err)
	require.True(t, again.EndAt.Equal(*closed.EndAt))
	require.NotNil(t, again.EnergyKWh)
	require.InDelta(t, 18.5, *again.EnergyKWh, 1e-9)

	other := 3.0
	third, err := h.tracker.CloseSession(ctx, opened.SessionID, &other)
	require.NoError(t, err)
	require.InDelta(t, 18.5, *third.EnergyKWh, 1e-9)

	_, err = h.tracker.CloseSession(ctx, uuid.New(), nil)
	require.ErrorIs(t, err, models.ErrNotFound)

	negative := -1.0
	_, err = h.tracker.CloseSession(ctx, opened.SessionID, &negative)
	require.ErrorIs(t, err, models.ErrValidation)

	next := h.ping(t, "closer", cafe, 0)
	require.NotEqual(t, opened.SessionID, next.SessionID)
}

func TestChargerConfirmationRaisesMediumToHigh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	opened := h.ping(t, "plugged", cafe, 0)
	confirmed, err := h.tracker.ConfirmCharger(ctx, opened.SessionID, "st-9", noon)
	require.NoError(t, err)
	require.Equal(t, models.ConfidenceNone, confirmed.Confidence)

	h.clock.Set(noon.Add(6 * time.Minute))
	snapshot := h.ping(t, "plugged", cafe, 40)
	require.Equal(t, models.ConfidenceHigh, snapshot.Confidence)
	require.Equal(t, "st-9", snapshot.StationID)
}

func TestSnapshotPrefersCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	opened := h.ping(t, "cached", cafe, 0)
	cached := *opened
	cached.Confidence = models.ConfidenceHigh
	require.NoError(t, h.cache.Save(ctx, cached))

	got, err := h.tracker.Snapshot(ctx, opened.SessionID)
	require.NoError(t, err)
	require.Equal(t, models.ConfidenceHigh, got.Confidence)

	require.NoError(t, h.cache.Delete(ctx, opened.SessionID))
	got, err = h.tracker.Snapshot(ctx, opened.SessionID)
	require.NoError(t, err)
	require.Equal(t, models.ConfidenceNone, got.Confidence)
}
