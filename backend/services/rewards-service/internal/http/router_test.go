package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/http/handlers"
	"evrewards/backend/services/rewards-service/internal/http/middleware"
	"evrewards/backend/services/rewards-service/internal/models"
	"evrewards/backend/services/rewards-service/internal/service"
	"evrewards/backend/services/rewards-service/internal/store/memory"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	logger := zap.NewNop()
	services := service.NewServices(memory.New(), nil, nil, service.Policies{
		Tracking: service.TrackingPolicy{
			IdleTimeout:          15 * time.Minute,
			MinDwell:             5 * time.Minute,
			StableSamplesForHigh: 5,
			StabilityRadiusM:     30,
			MaxAccuracyM:         50,
		},
		Matching: service.MatchPolicy{
			RadiusM:     150,
			Slack:       15 * time.Minute,
			Retention:   24 * time.Hour,
			BatchSize:   100,
			RewardShare: decimal.RequireFromString("0.10"),
		},
		Reputation: service.ReputationPolicy{
			PointsPerCharge: 10,
			PointsPerKWh:    decimal.NewFromInt(1),
			StreakBonus:     2,
			Tiers:           models.TierThresholds{Silver: 50, Gold: 200, Platinum: 1000},
			FollowerShare:   decimal.RequireFromString("0.10"),
		},
		MaxGeofenceM: 500,
	}, logger)

	return NewRouter(RouterDeps{
		Sessions:  handlers.NewSessionsHandler(services.Tracker, logger),
		Pos:       handlers.NewPosHandler(services.Ingestor, logger),
		Wallet:    handlers.NewWalletHandler(services.Ledger, logger),
		Social:    handlers.NewSocialHandler(services.Reputation, logger),
		Merchants: handlers.NewMerchantsHandler(services.Merchants, services.Ledger, logger),
		Health:    handlers.NewHealthHandler(nil),
		Identity:  middleware.HeaderMiddleware,
	})
}

type call struct {
	method string
	path   string
	body   interface{}
	header map[string]string
}

func do(t *testing.T, h http.Handler, c call, out interface{}) int {
	t.Helper()
	var body io.Reader
	switch v := c.body.(type) {
	case nil:
	case string:
		body = bytes.NewBufferString(v)
	default:
		encoded, err := json.Marshal(v)
		require.NoError(t, err)
		body = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	for k, v := range c.header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func putMerchant(t *testing.T, h http.Handler) {
	t.Helper()
	var merchant models.Merchant
	code := do(t, h, call{http.MethodPut, "/internal/merchants/m-cafe", map[string]interface{}{
		"name": "Cafe", "lat": 52.52, "lng": 13.405, "geofence_radius_m": 80, "station_id": "st-1",
	}, nil}, &merchant)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "m-cafe", merchant.ID)
}

func location(userID string, at time.Time) map[string]interface{} {
	return map[string]interface{}{"user_id": userID, "lat": 52.52, "lng": 13.405, "accuracy_m": 10, "client_at": at}
}

func TestVerifiedChargeFlowOverHTTP(t *testing.T) {
	h := newTestRouter(t)
	putMerchant(t, h)
	now := time.Now().UTC()

	var snapshot models.SessionSnapshot
	require.Equal(t, http.StatusOK, do(t, h, call{http.MethodPost, "/internal/locations", location("driver", now.Add(-10*time.Minute)), nil}, &snapshot))
	require.Equal(t, models.ConfidenceNone, snapshot.Confidence)
	require.Equal(t, "m-cafe", snapshot.MerchantID)

	require.Equal(t, http.StatusOK, do(t, h, call{http.MethodPost, "/internal/locations", location("driver", now.Add(-4*time.Minute)), nil}, &snapshot))
	require.Equal(t, models.ConfidenceMedium, snapshot.Confidence)
	sessionID := snapshot.SessionID

	hook := map[string]interface{}{
		"provider": "square", "provider_event_id": "evt-http-1", "merchant_id": "m-cafe",
		"user_id": "driver", "amount_cents": 1200, "event_at": now.Add(-3 * time.Minute),
		"payload": map[string]string{"currency": "EUR"},
	}
	var ingest models.IngestResult
	require.Equal(t, http.StatusCreated, do(t, h, call{http.MethodPost, "/internal/pos/webhooks", hook, nil}, &ingest))
	require.True(t, ingest.Created)

	var replay models.IngestResult
	require.Equal(t, http.StatusOK, do(t, h, call{http.MethodPost, "/internal/pos/webhooks", hook, nil}, &replay))
	require.False(t, replay.Created)
	require.Equal(t, ingest.EventID, replay.EventID)

	var balance struct {
		UserID       string `json:"user_id"`
		BalanceCents int64  `json:"balance_cents"`
	}
	require.Equal(t, http.StatusOK, do(t, h, call{http.MethodGet, "/wallet/driver/balance", nil, nil}, &balance))
	require.Equal(t, int64(120), balance.BalanceCents)

	require.Equal(t, http.StatusOK, do(t, h, call{http.MethodGet, "/sessions/" + sessionID.String(), nil, nil}, &snapshot))
	require.True(t, snapshot.VerifiedCharge)

	var merchantBalance models.MerchantBalance
	require.Equal(t, http.StatusOK, do(t, h, call{http.MethodGet, "/merchants/m-cafe/balance", nil, nil}, &merchantBalance))
	require.Equal(t, int64(1200), merchantBalance.PendingCents)

	var reputation models.ReputationView
	require.Equal(t, http.StatusOK, do(t, h, call{http.MethodGet, "/me/reputation", nil, map[string]string{middleware.UserIDHeader: "driver"}}, &reputation))
	require.Equal(t, "driver", reputation.UserID)
	require.Equal(t, 1, reputation.StreakDays)

	require.Equal(t, http.StatusOK, do(t, h, call{http.MethodPost, "/internal/sessions/" + sessionID.String() + "/close", map[string]float64{"kwh": 7.5}, nil}, &snapshot))
	require.False(t, snapshot.Open)
	require.Equal(t, 7.5, *snapshot.EnergyKWh)
}

func TestWalletDebitAndHistory(t *testing.T) {
	h := newTestRouter(t)

	var errBody map[string]string
	code := do(t, h, call{http.MethodPost, "/internal/wallet/nobody/debit", map[string]int64{"amount_cents": 10}, nil}, &errBody)
	require.Equal(t, http.StatusConflict, code)
	require.Contains(t, errBody["error"], "invariant violation")

	code = do(t, h, call{http.MethodPost, "/internal/wallet/nobody/debit", map[string]int64{"amount_cents": 0}, nil}, &errBody)
	require.Equal(t, http.StatusBadRequest, code)

	var events struct {
		Events []models.WalletEvent `json:"events"`
	}
	require.Equal(t, http.StatusOK, do(t, h, call{http.MethodGet, "/wallet/nobody/events?limit=5", nil, nil}, &events))
	require.Empty(t, events.Events)

	require.Equal(t, http.StatusUnauthorized, do(t, h, call{http.MethodGet, "/me/balance", nil, nil}, nil))
}

func TestFollowEndpoints(t *testing.T) {
	h := newTestRouter(t)
	edge := map[string]string{"follower_id": "fan", "followee_id": "star"}

	var follow models.Follow
	require.Equal(t, http.StatusCreated, do(t, h, call{http.MethodPost, "/internal/follows", edge, nil}, &follow))
	require.Equal(t, "star", follow.FolloweeID)
	require.Equal(t, http.StatusConflict, do(t, h, call{http.MethodPost, "/internal/follows", edge, nil}, nil))
	require.Equal(t, http.StatusBadRequest, do(t, h, call{http.MethodPost, "/internal/follows", map[string]string{"follower_id": "x", "followee_id": "x"}, nil}, nil))

	var view models.ReputationView
	require.Equal(t, http.StatusOK, do(t, h, call{http.MethodGet, "/users/star/reputation", nil, nil}, &view))
	require.Equal(t, 1, view.FollowersCount)

	require.Equal(t, http.StatusNoContent, do(t, h, call{http.MethodDelete, "/internal/follows", edge, nil}, nil))
	require.Equal(t, http.StatusNotFound, do(t, h, call{http.MethodDelete, "/internal/follows", edge, nil}, nil))

	var earnings struct {
		Month      string `json:"month"`
		TotalCents int64  `json:"total_cents"`
	}
	require.Equal(t, http.StatusOK, do(t, h, call{http.MethodGet, "/users/fan/follow-earnings?month=2024-03", nil, nil}, &earnings))
	require.Equal(t, "2024-03", earnings.Month)
	require.Zero(t, earnings.TotalCents)
	require.Equal(t, http.StatusBadRequest, do(t, h, call{http.MethodGet, "/users/fan/follow-earnings?month=March", nil, nil}, nil))
}

func TestMerchantEndpoints(t *testing.T) {
	h := newTestRouter(t)
	putMerchant(t, h)

	require.Equal(t, http.StatusBadRequest, do(t, h, call{http.MethodPut, "/internal/merchants/m-bad", map[string]interface{}{
		"lat": 95, "lng": 13.4, "geofence_radius_m": 80,
	}, nil}, nil))
	require.Equal(t, http.StatusBadRequest, do(t, h, call{http.MethodPut, "/internal/merchants/m-bad", map[string]interface{}{
		"lat": 52, "lng": 13.4, "geofence_radius_m": 5000,
	}, nil}, nil))

	require.Equal(t, http.StatusOK, do(t, h, call{http.MethodGet, "/merchants/m-cafe", nil, nil}, nil))
	require.Equal(t, http.StatusNotFound, do(t, h, call{http.MethodGet, "/merchants/m-ghost", nil, nil}, nil))

	payout := map[string]interface{}{"payout_ref": "po-1", "amount_cents": 1}
	require.Equal(t, http.StatusConflict, do(t, h, call{http.MethodPost, "/internal/merchants/m-cafe/payouts", payout, nil}, nil))
}

func TestSessionEndpointsValidateInput(t *testing.T) {
	h := newTestRouter(t)

	require.Equal(t, http.StatusBadRequest, do(t, h, call{http.MethodGet, "/sessions/not-a-uuid", nil, nil}, nil))
	require.Equal(t, http.StatusNotFound, do(t, h, call{http.MethodGet, "/sessions/8f14e45f-ceea-467f-a0e6-1d5c7b4f6a11", nil, nil}, nil))
	require.Equal(t, http.StatusBadRequest, do(t, h, call{http.MethodPost, "/internal/locations", `{"user_id":"u","lat":200,"lng":0}`, nil}, nil))
	require.Equal(t, http.StatusBadRequest, do(t, h, call{http.MethodPost, "/internal/locations", `{`, nil}, nil))
	require.Equal(t, http.StatusBadRequest, do(t, h, call{http.MethodPost, "/internal/pos/webhooks", `{"provider":"square"}`, nil}, nil))
	require.Equal(t, http.StatusNotFound, do(t, h, call{
		http.MethodPost,
		fmt.Sprintf("/internal/sessions/%s/charger-confirmation", "8f14e45f-ceea-467f-a0e6-1d5c7b4f6a11"),
		map[string]string{"station_id": "st-1"},
		nil,
	}, nil))
	require.Equal(t, http.StatusMethodNotAllowed, do(t, h, call{http.MethodGet, "/internal/locations", nil, nil}, nil))
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestRouter(t)

	var health map[string]string
	require.Equal(t, http.StatusOK, do(t, h, call{http.MethodGet, "/health", nil, nil}, &health))
	require.Equal(t, "ok", health["status"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "rewards_http_requests_total")
}
