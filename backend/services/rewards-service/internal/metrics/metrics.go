// Package metrics exposes Prometheus instrumentation for the rewards service.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	locationReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_location_reports_total",
			Help: "Location reports processed by outcome",
		},
		[]string{"outcome"},
	)

	confidenceUpgrades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_confidence_upgrades_total",
			Help: "Session confidence upgrades by target tier",
		},
		[]string{"tier"},
	)

	sessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_sessions_closed_total",
			Help: "Sessions closed by reason",
		},
		[]string{"reason"},
	)

	posEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_pos_events_total",
			Help: "POS webhook deliveries by result",
		},
		[]string{"result"},
	)

	matchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_match_outcomes_total",
			Help: "Reconciliation attempts by outcome",
		},
		[]string{"outcome"},
	)

	reconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rewards_reconcile_duration_seconds",
			Help:    "Duration of a single reconciliation attempt",
			Buckets: prometheus.DefBuckets,
		},
	)

	walletPostings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_wallet_postings_total",
			Help: "Wallet ledger postings by kind, source and result",
		},
		[]string{"kind", "source", "result"},
	)

	walletCents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_wallet_posted_cents_total",
			Help: "Minor units posted to wallets by kind and source",
		},
		[]string{"kind", "source"},
	)

	driftAccounts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rewards_balance_drift_accounts",
			Help: "Accounts whose running balance diverged from the ledger scan at the last audit",
		},
	)

	consumerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_consumer_messages_total",
			Help: "Broker messages handled by queue and result",
		},
		[]string{"queue", "result"},
	)

	wsConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rewards_ws_connections",
			Help: "Open location stream connections",
		},
	)

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rewards_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// LocationReport counts a processed location sample.
func LocationReport(outcome string) { locationReports.WithLabelValues(outcome).Inc() }

// ConfidenceUpgrade counts a tier raise.
func ConfidenceUpgrade(tier string) { confidenceUpgrades.WithLabelValues(tier).Inc() }

// SessionClosed counts a closed session.
func SessionClosed(reason string) { sessionsClosed.WithLabelValues(reason).Inc() }

// PosEvent counts a webhook delivery.
func PosEvent(created bool) {
	result := "duplicate"
	if created {
		result = "created"
	}
	posEvents.WithLabelValues(result).Inc()
}

// MatchOutcome counts a reconciliation result and its duration.
func MatchOutcome(outcome string, took time.Duration) {
	matchOutcomes.WithLabelValues(outcome).Inc()
	reconcileDuration.Observe(took.Seconds())
}

// WalletPosting counts a ledger write.
func WalletPosting(kind, source string, amountCents int64, duplicate bool) {
	result := "created"
	if duplicate {
		result = "duplicate"
	}
	walletPostings.WithLabelValues(kind, source, result).Inc()
	if !duplicate {
		walletCents.WithLabelValues(kind, source).Add(float64(amountCents))
	}
}

// DriftAccounts records the result of the last balance audit.
func DriftAccounts(n int) { driftAccounts.Set(float64(n)) }

// ConsumerMessage counts a broker delivery.
func ConsumerMessage(queue, result string) { consumerMessages.WithLabelValues(queue, result).Inc() }

// WSConnected tracks stream connections.
func WSConnected(delta int) { wsConnections.Add(float64(delta)) }

// Handler exposes the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// Middleware records request counts and latency labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
