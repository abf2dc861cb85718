package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitsim_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orbitsim_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	batchDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orbitsim_batch_duration_seconds",
			Help:    "Wall time of one batch propagation.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	objectsPropagatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitsim_objects_propagated_total",
			Help: "Objects propagated, by final status.",
		},
		[]string{"status"},
	)

	rk4StepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbitsim_rk4_steps_total",
			Help: "RK4 steps taken across all objects.",
		},
	)

	validationPositionErrorKm = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orbitsim_validation_position_error_km",
			Help:    "Per-object mean position error against the reference propagator.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 500},
		},
	)

	validationVelocityErrorKmS = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orbitsim_validation_velocity_error_km_s",
			Help:    "Per-object mean velocity error against the reference propagator.",
			Buckets: []float64{1e-5, 1e-4, 1e-3, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	validationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitsim_validation_failures_total",
			Help: "Objects that could not be validated, by reason.",
		},
		[]string{"reason"},
	)

	tleDatasetCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orbitsim_tle_dataset_count",
			Help: "Number of TLE entries in the current dataset.",
		},
	)

	tleDatasetAgeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orbitsim_tle_dataset_age_seconds",
			Help: "Age of the current TLE dataset.",
		},
	)

	tleFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitsim_tle_fetch_total",
			Help: "TLE source downloads, by source kind and result.",
		},
		[]string{"source", "result"},
	)

	runsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orbitsim_runs_active",
			Help: "Simulation runs currently executing.",
		},
	)

	runsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitsim_runs_finished_total",
			Help: "Simulation runs finished, by state.",
		},
		[]string{"state"},
	)

	runStoreEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orbitsim_run_store_entries",
			Help: "Runs retained in memory.",
		},
	)

	runStoreEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbitsim_run_store_evictions_total",
			Help: "Runs evicted after their retention period.",
		},
	)

	runLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitsim_run_lookups_total",
			Help: "Run lookups, by result.",
		},
		[]string{"result"},
	)

	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbitsim_rate_limited_total",
			Help: "Run submissions rejected by the rate limiter.",
		},
	)

	streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orbitsim_streams_active",
			Help: "Open run event streams.",
		},
	)

	streamConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitsim_stream_connections_total",
			Help: "Run event stream connects and disconnects.",
		},
		[]string{"event"},
	)

	streamMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbitsim_stream_messages_total",
			Help: "SSE messages sent on run event streams.",
		},
	)

	streamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitsim_stream_errors_total",
			Help: "Run event stream errors, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpDurationSeconds,
		batchDurationSeconds,
		objectsPropagatedTotal,
		rk4StepsTotal,
		validationPositionErrorKm,
		validationVelocityErrorKmS,
		validationFailuresTotal,
		tleDatasetCount,
		tleDatasetAgeSeconds,
		tleFetchTotal,
		runsActive,
		runsFinishedTotal,
		runStoreEntries,
		runStoreEvictionsTotal,
		runLookupsTotal,
		rateLimitedTotal,
		streamsActive,
		streamConnectionsTotal,
		streamMessagesTotal,
		streamErrorsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordBatch records one batch propagation: its duration, the total number
// of RK4 steps, and object counts keyed by status.
func RecordBatch(d time.Duration, steps int, byStatus map[string]int) {
	batchDurationSeconds.Observe(d.Seconds())
	rk4StepsTotal.Add(float64(steps))
	for status, n := range byStatus {
		if n > 0 {
			objectsPropagatedTotal.WithLabelValues(status).Add(float64(n))
		}
	}
}

// ObserveValidation records one object's mean position and velocity error.
func ObserveValidation(meanPositionKm, meanVelocityKmS float64) {
	validationPositionErrorKm.Observe(meanPositionKm)
	validationVelocityErrorKmS.Observe(meanVelocityKmS)
}

// IncValidationFailures counts an object that could not be validated.
func IncValidationFailures(reason string) {
	validationFailuresTotal.WithLabelValues(reason).Inc()
}

// SetTLEDatasetCount sets the number of entries in the loaded TLE dataset.
func SetTLEDatasetCount(n int) {
	tleDatasetCount.Set(float64(n))
}

// SetTLEDatasetAge sets the age of the loaded TLE dataset.
func SetTLEDatasetAge(seconds float64) {
	tleDatasetAgeSeconds.Set(seconds)
}

// IncTLEFetch counts one download attempt. source is "primary" or "extra",
// result is "ok", "retry" or "error".
func IncTLEFetch(source, result string) {
	tleFetchTotal.WithLabelValues(source, result).Inc()
}

// IncRunsActive marks a run as started.
func IncRunsActive() {
	runsActive.Inc()
}

// RunFinished marks a run as finished in the given state.
func RunFinished(state string) {
	runsActive.Dec()
	runsFinishedTotal.WithLabelValues(state).Inc()
}

// SetRunStoreEntries sets the number of retained runs.
func SetRunStoreEntries(n int) {
	runStoreEntries.Set(float64(n))
}

// AddRunStoreEvictions counts evicted runs.
func AddRunStoreEvictions(n int) {
	runStoreEvictionsTotal.Add(float64(n))
}

// IncRunLookup counts a run lookup as a hit or a miss.
func IncRunLookup(hit bool) {
	if hit {
		runLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	runLookupsTotal.WithLabelValues("miss").Inc()
}

// IncRateLimited counts a rejected run submission.
func IncRateLimited() {
	rateLimitedTotal.Inc()
}

// IncStreamConnections counts a stream "connect" or "disconnect" event and
// tracks the active stream gauge.
func IncStreamConnections(event string) {
	streamConnectionsTotal.WithLabelValues(event).Inc()
	switch event {
	case "connect":
		streamsActive.Inc()
	case "disconnect":
		streamsActive.Dec()
	}
}

// IncStreamMessages counts one SSE message sent.
func IncStreamMessages() {
	streamMessagesTotal.Inc()
}

// IncStreamErrors counts a stream error by reason.
func IncStreamErrors(reason string) {
	streamErrorsTotal.WithLabelValues(reason).Inc()
}

// knownRoutes are exact paths reported as their own label.
var knownRoutes = map[string]bool{
	"/":                    true,
	"/healthz":             true,
	"/readyz":              true,
	"/metrics":             true,
	"/api/v1/runs":         true,
	"/api/v1/tle/metadata": true,
	"/api/v1/tle/refresh":  true,
}

// normalizeRoute collapses parameterized paths to a fixed label set so that
// run ids and object ids cannot blow up metric cardinality.
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	rest, ok := strings.CutPrefix(path, "/api/v1/runs/")
	if !ok || rest == "" {
		return "other"
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1:
		return "/api/v1/runs/{id}"
	case len(parts) == 2 && parts[1] == "events":
		return "/api/v1/runs/{id}/events"
	case len(parts) == 3 && parts[1] == "objects" && parts[2] != "":
		return "/api/v1/runs/{id}/objects/{object_id}"
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		route := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(duration)
	})
}
