package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestWalletPostingSkipsAmountOnDuplicate(t *testing.T) {
	before := testutil.ToFloat64(walletCents.WithLabelValues("credit", "metrics_test"))

	WalletPosting("credit", "metrics_test", 150, false)
	WalletPosting("credit", "metrics_test", 150, true)

	require.Equal(t, before+150, testutil.ToFloat64(walletCents.WithLabelValues("credit", "metrics_test")))
	require.Equal(t, float64(1), testutil.ToFloat64(walletPostings.WithLabelValues("credit", "metrics_test", "duplicate")))
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/abc", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, float64(1), testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/sessions/{id}", "418")))
}

func TestStatusRecorderHijackRequiresHijacker(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	_, _, err := rec.Hijack()
	require.Error(t, err)
	require.Equal(t, http.StatusOK, rec.status)

	var _ http.Hijacker = rec
	require.NotNil(t, rec.Unwrap())
}
