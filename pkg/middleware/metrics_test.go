package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func meteredRouter(service string, handler http.HandlerFunc) *chi.Mux {
	r := chi.NewRouter()
	r.Use(PrometheusMetrics(service))
	r.Get("/items/{productId}", handler)
	return r
}

func TestPrometheusMetrics_CountsByRoutePattern(t *testing.T) {
	r := meteredRouter("metrics-route", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, id := range []string{"p-1", "p-2", "p-3"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/"+id, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("metrics-route", "GET", "/items/{productId}", "200"))
	assert.Equal(t, float64(3), got)
}

func TestPrometheusMetrics_DefaultStatusIs200(t *testing.T) {
	r := meteredRouter("metrics-default", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/p-1", nil))

	got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("metrics-default", "GET", "/items/{productId}", "200"))
	assert.Equal(t, float64(1), got)
}

func TestPrometheusMetrics_InFlightDuringRequest(t *testing.T) {
	var seen float64
	r := meteredRouter("metrics-inflight", func(w http.ResponseWriter, r *http.Request) {
		seen = testutil.ToFloat64(httpRequestsInFlight.WithLabelValues("metrics-inflight"))
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/p-1", nil))

	assert.Equal(t, float64(1), seen)
	assert.Equal(t, float64(0), testutil.ToFloat64(httpRequestsInFlight.WithLabelValues("metrics-inflight")))
}

func TestStatusRecorder_FirstWriteHeaderWins(t *testing.T) {
	rec := newStatusRecorder(httptest.NewRecorder())
	rec.WriteHeader(http.StatusConflict)
	rec.WriteHeader(http.StatusOK)
	assert.Equal(t, http.StatusConflict, rec.status)
}

func TestStatusRecorder_ReusesExistingRecorder(t *testing.T) {
	inner := newStatusRecorder(httptest.NewRecorder())
	assert.Same(t, inner, newStatusRecorder(inner))
}

func TestStatusRecorder_HijackUnsupported(t *testing.T) {
	rec := newStatusRecorder(httptest.NewRecorder())
	_, _, err := rec.Hijack()
	assert.ErrorIs(t, err, http.ErrNotSupported)
}
