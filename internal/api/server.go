// Package api exposes simulation runs and the TLE dataset over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/star/orbitsim/internal/auth"
	"github.com/star/orbitsim/internal/health"
	"github.com/star/orbitsim/internal/httputil"
	"github.com/star/orbitsim/internal/metrics"
	"github.com/star/orbitsim/internal/runs"
	"github.com/star/orbitsim/internal/simulation"
	"github.com/star/orbitsim/internal/stream"
	"github.com/star/orbitsim/internal/tle"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr       string
	TrustProxy bool
	Auth       auth.Config
	Stream     stream.Config
	Limits     Limits
}

// Limits bound the work a single request may ask for.
type Limits struct {
	MaxObjects   int     // Objects per run (default: 500)
	MaxStates    int     // Objects × states per object per run (default: 5,000,000)
	MaxWorkers   int     // Upper bound on requested workers (default: 16)
	MaxBodyBytes int64   // Request body size (default: 1 MiB)
	SubmitRate   float64 // Run submissions per second per client IP (default: 1)
	SubmitBurst  int     // Submission burst per client IP (default: 5)
}

// DefaultLimits returns the default request limits.
func DefaultLimits() Limits {
	return Limits{
		MaxObjects:   500,
		MaxStates:    5_000_000,
		MaxWorkers:   16,
		MaxBodyBytes: 1 << 20,
		SubmitRate:   1,
		SubmitBurst:  5,
	}
}

// Deps are the services the handlers use.
type Deps struct {
	TLE      *tle.Store
	Loader   *tle.Loader // nil disables POST /api/v1/tle/refresh
	Runs     *runs.Store
	Runner   *simulation.Runner
	Defaults simulation.Config
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a configured HTTP server.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	h := &handlers{
		deps:    deps,
		limits:  cfg.Limits,
		proxy:   cfg.TrustProxy,
		limiter: newSubmitLimiter(cfg.Limits.SubmitRate, cfg.Limits.SubmitBurst),
		logger:  logger,
	}
	streamCfg := cfg.Stream
	streamCfg.TrustProxy = cfg.TrustProxy
	events := stream.NewHandler(deps.Runs, streamCfg, logger)

	mux := http.NewServeMux()

	// Register routes.
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz(datasetLoaded(deps.TLE)))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /api/v1/runs", h.submitRun)
	mux.HandleFunc("GET /api/v1/runs", h.listRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.getRun)
	mux.HandleFunc("GET /api/v1/runs/{id}/events", events.HandleRunEvents)
	mux.HandleFunc("GET /api/v1/runs/{id}/objects/{object_id}", h.getObject)
	mux.HandleFunc("GET /api/v1/tle/metadata", h.tleMetadata)
	mux.HandleFunc("POST /api/v1/tle/refresh", h.tleRefresh)

	// Build middleware chain: metrics -> logging -> auth -> mux.
	var handler http.Handler = mux
	handler = auth.Middleware(cfg.Auth)(handler)
	handler = loggingMiddleware(logger, cfg.TrustProxy)(handler)
	handler = metrics.Middleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// datasetLoaded is ready once a TLE dataset is in the store.
func datasetLoaded(store *tle.Store) health.Check {
	return health.Check{Name: "tle_dataset", Fn: func() error {
		if store.Get() == nil {
			return errors.New("no TLE dataset loaded")
		}
		return nil
	}}
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// probePath reports whether path is a probe endpoint, logged at debug level.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

// requestIDHeader carries the correlation id echoed on every response.
const requestIDHeader = "X-Request-ID"

// requestID returns the caller's id when it is a plausible token, otherwise
// a fresh UUID.
func requestID(r *http.Request) string {
	if id := r.Header.Get(requestIDHeader); id != "" && len(id) <= 64 && !strings.ContainsAny(id, " \t\r\n") {
		return id
	}
	return uuid.NewString()
}

// statusRecorder captures the status code and body size for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController flush event streams.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func loggingMiddleware(logger *slog.Logger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := requestID(r)
			w.Header().Set(requestIDHeader, id)
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sr, r)

			level := slog.LevelInfo
			switch {
			case sr.status >= 500:
				level = slog.LevelWarn
			case probePath(r.URL.Path):
				level = slog.LevelDebug
			}
			logger.Log(r.Context(), level, "request",
				"component", "api",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"status", sr.status,
				"bytes", sr.bytes,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_ip", httputil.ClientIP(r, trustProxy),
			)
		})
	}
}
