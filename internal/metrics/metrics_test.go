package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		// Known exact routes.
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/metrics", "/metrics"},
		{"/", "/"},
		{"/api/v1/runs", "/api/v1/runs"},
		{"/api/v1/tle/metadata", "/api/v1/tle/metadata"},
		{"/api/v1/tle/refresh", "/api/v1/tle/refresh"},

		// Parameterized run routes collapse to one label.
		{"/api/v1/runs/6f1c2d3e-aaaa-bbbb-cccc-1234567890ab", "/api/v1/runs/{id}"},
		{"/api/v1/runs/abc", "/api/v1/runs/{id}"},
		{"/api/v1/runs/abc/objects/25544", "/api/v1/runs/{id}/objects/{object_id}"},
		{"/api/v1/runs/abc/events", "/api/v1/runs/{id}/events"},

		// Unknown/bot paths collapse to "other".
		{"/wp-admin", "other"},
		{"/robots.txt", "other"},
		{"/.env", "other"},
		{"/api/v1/runs/", "other"},
		{"/api/v1/runs/abc/objects/", "other"},
		{"/api/v1/runs/abc/other/1", "other"},
		{"/api/v2/something", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := normalizeRoute(tt.path)
			if got != tt.want {
				t.Errorf("normalizeRoute(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

// TestMetricsCardinality verifies that 100 unique run ids produce exactly
// 1 distinct path label, not 100.
func TestMetricsCardinality(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		seen[normalizeRoute(fmt.Sprintf("/api/v1/runs/run-%d", i))] = true
	}
	if len(seen) != 1 {
		t.Errorf("expected 1 unique label for parameterized paths, got %d: %v", len(seen), seen)
	}
}

func TestMiddlewareCapturesStatus(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/healthz", "GET", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/healthz", "GET", "418"))

	if after-before != 1 {
		t.Errorf("request counter delta = %v, want 1", after-before)
	}
}

func TestRecordBatch(t *testing.T) {
	before := testutil.ToFloat64(objectsPropagatedTotal.WithLabelValues("diverged"))
	stepsBefore := testutil.ToFloat64(rk4StepsTotal)

	RecordBatch(10*time.Millisecond, 500, map[string]int{"complete": 3, "diverged": 2, "error": 0})

	if got := testutil.ToFloat64(objectsPropagatedTotal.WithLabelValues("diverged")) - before; got != 2 {
		t.Errorf("diverged delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(rk4StepsTotal) - stepsBefore; got != 500 {
		t.Errorf("rk4 steps delta = %v, want 500", got)
	}
}

func TestStreamGauge(t *testing.T) {
	before := testutil.ToFloat64(streamsActive)
	IncStreamConnections("connect")
	IncStreamConnections("connect")
	IncStreamConnections("disconnect")
	if got := testutil.ToFloat64(streamsActive) - before; got != 1 {
		t.Errorf("active streams delta = %v, want 1", got)
	}
}
