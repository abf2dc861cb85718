// Package stream implements Server-Sent Events for simulation runs. Clients
// connect via GET /api/v1/runs/{id}/events and receive the run's state each
// time it changes, then a summary once the run has finished.
//
// SSE message format:
//
//	event: state
//	data: {"id":"...","state":"running",...}
//
//	event: summary
//	data: {"id":"...","state":"done","objects":2,...}
//
// Keep-alive comments (:\n\n) are sent every KeepaliveInterval while the run
// is still active. The stream ends after the summary, or after an error event
// if the run is evicted first.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/star/orbitsim/internal/httputil"
	"github.com/star/orbitsim/internal/metrics"
	"github.com/star/orbitsim/internal/runs"
)

// Config holds streaming configuration.
type Config struct {
	MaxConcurrentPerIP int           // Max concurrent streams per IP (default: 10)
	MaxConcurrent      int           // Max concurrent streams overall (default: 1000)
	PollInterval       time.Duration // Run state poll period (default: 500ms)
	KeepaliveInterval  time.Duration // Keep-alive ping interval (default: 30s)
	TrustProxy         bool          // Use X-Forwarded-For for per-IP limits
}

// DefaultConfig returns the default streaming configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPerIP: 10,
		MaxConcurrent:      1000,
		PollInterval:       500 * time.Millisecond,
		KeepaliveInterval:  30 * time.Second,
	}
}

// RunSource looks up run snapshots.
type RunSource interface {
	Get(id string) (runs.Run, bool)
}

// Handler manages SSE streaming connections.
type Handler struct {
	runs    RunSource
	config  Config
	limiter *streamLimiter
	logger  *slog.Logger
}

// NewHandler creates a new streaming handler.
func NewHandler(source RunSource, config Config, logger *slog.Logger) *Handler {
	return &Handler{
		runs:    source,
		config:  config,
		limiter: newStreamLimiter(config.MaxConcurrentPerIP, config.MaxConcurrent),
		logger:  logger,
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HandleRunEvents serves the SSE event stream of one run.
// GET /api/v1/runs/{id}/events?poll_ms=500
func (h *Handler) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	poll := h.config.PollInterval
	if v := r.URL.Query().Get("poll_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 50 || n > 10000 {
			writeError(w, http.StatusBadRequest, "invalid poll_ms parameter, must be 50-10000")
			return
		}
		poll = time.Duration(n) * time.Millisecond
	}

	id := r.PathValue("id")
	run, ok := h.runs.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %q not found", id))
		return
	}

	ip := httputil.ClientIP(r, h.config.TrustProxy)
	release, ok := h.limiter.acquire(ip)
	if !ok {
		metrics.IncStreamErrors("rate_limit")
		h.logger.Warn("stream rate limit exceeded",
			"remote_ip", ip,
			"current_count", h.limiter.count(ip),
		)
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusTooManyRequests, "too many concurrent streams")
		return
	}

	metrics.IncStreamConnections("connect")
	startTime := time.Now()
	h.logger.Info("stream connected", "remote_ip", ip, "run_id", id)

	defer func() {
		release()
		metrics.IncStreamConnections("disconnect")
		h.logger.Info("stream disconnected",
			"remote_ip", ip,
			"run_id", id,
			"duration_seconds", int(time.Since(startTime).Seconds()),
		)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)

	// Clear the server's default WriteTimeout; each write sets its own deadline.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}
	c := &client{w: w, rc: rc, ip: ip, logger: h.logger}

	// Jittered retry interval (3-7s) avoids reconnection storms.
	fmt.Fprintf(w, "retry: %d\n\n", 3000+rand.Intn(4000))

	if err := c.sendEvent("state", run); err != nil {
		h.sendFailed(ip, err)
		return
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	keepalive := time.NewTicker(h.config.KeepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for !run.State.Finished() {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			next, ok := h.runs.Get(id)
			if !ok {
				metrics.IncStreamErrors("evicted")
				c.sendEvent("error", map[string]string{"error": "run evicted"})
				return
			}
			if next.State == run.State {
				continue
			}
			run = next
			if err := c.sendEvent("state", run); err != nil {
				h.sendFailed(ip, err)
				return
			}
			keepalive.Reset(h.config.KeepaliveInterval)

		case <-keepalive.C:
			if err := c.sendKeepalive(); err != nil {
				h.sendFailed(ip, err)
				return
			}
		}
	}

	if err := c.sendEvent("summary", buildSummary(run)); err != nil {
		h.sendFailed(ip, err)
	}
}

func (h *Handler) sendFailed(ip string, err error) {
	metrics.IncStreamErrors("send_error")
	h.logger.Warn("stream send error", "remote_ip", ip, "error", err)
}

// summaryMessage is the final event of a stream.
type summaryMessage struct {
	ID         string  `json:"id"`
	State      string  `json:"state"`
	Error      string  `json:"error,omitempty"`
	DurationMs int64   `json:"duration_ms"`
	Objects    int     `json:"objects"`
	Rejected   int     `json:"rejected"`
	Validated  int     `json:"validated"`
	Failures   int     `json:"validation_failures"`
	MeanPosKm  float64 `json:"mean_position_error_km"`
	MaxPosKm   float64 `json:"max_position_error_km"`
	WithinGoal *bool   `json:"within_target,omitempty"`
}

func buildSummary(run runs.Run) summaryMessage {
	msg := summaryMessage{
		ID:         run.ID,
		State:      string(run.State),
		Error:      run.Error,
		DurationMs: run.FinishedAt.Sub(run.StartedAt).Milliseconds(),
	}
	res := run.Result
	if res == nil {
		return msg
	}
	msg.Objects = len(res.Objects)
	msg.Rejected = len(res.Rejected)
	if v := res.Validation; v != nil {
		msg.Validated = len(v.Objects)
		msg.Failures = len(v.Failures)
		msg.MeanPosKm = v.MeanPosition
		msg.MaxPosKm = v.MaxPosition
		within := v.WithinTarget
		msg.WithinGoal = &within
	}
	return msg
}
