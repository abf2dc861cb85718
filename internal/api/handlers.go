package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/star/orbitsim/internal/httputil"
	"github.com/star/orbitsim/internal/metrics"
	"github.com/star/orbitsim/internal/orbit"
	"github.com/star/orbitsim/internal/physics"
	"github.com/star/orbitsim/internal/propagation"
	"github.com/star/orbitsim/internal/runs"
	"github.com/star/orbitsim/internal/simulation"
	"github.com/star/orbitsim/internal/tle"
	"github.com/star/orbitsim/internal/transform"
	"github.com/star/orbitsim/internal/validation"
)

// refreshTimeout bounds a manual TLE refresh.
const refreshTimeout = 60 * time.Second

type handlers struct {
	deps    Deps
	limits  Limits
	proxy   bool
	limiter *submitLimiter
	logger  *slog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// submitRun handles POST /api/v1/runs.
func (h *handlers) submitRun(w http.ResponseWriter, r *http.Request) {
	ip := httputil.ClientIP(r, h.proxy)
	if !h.limiter.allow(ip) {
		metrics.IncRateLimited()
		h.logger.Warn("run submission rate limited", "remote_ip", ip)
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusTooManyRequests, "too many run submissions")
		return
	}

	var req runRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.limits.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	cfg, err := req.config(h.deps.Defaults, h.limits)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	src, err := req.source()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		objects int
		fn      runs.Func
	)
	switch src {
	case sourceTLEs:
		objects = len(req.TLEs)
		blocks := req.TLEs
		fn = func(ctx context.Context) (*simulation.Result, error) {
			return h.deps.Runner.RunTLEs(ctx, cfg, blocks)
		}

	case sourceStates:
		start := req.Start.UTC()
		if start.IsZero() {
			start = time.Now().UTC().Truncate(time.Second)
		}
		states, err := req.initialStates(start)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		objects = len(states)
		fn = func(ctx context.Context) (*simulation.Result, error) {
			return h.deps.Runner.RunStates(ctx, cfg, start, states)
		}

	case sourceDataset:
		ds := h.deps.TLE.Get()
		if ds == nil {
			writeError(w, http.StatusServiceUnavailable, "no TLE dataset loaded")
			return
		}
		objects = len(ds.Select(req.Filter, req.Limit))
		if objects == 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("filter %q matched no dataset entries", req.Filter))
			return
		}
		filter, limit := req.Filter, req.Limit
		fn = func(ctx context.Context) (*simulation.Result, error) {
			return h.deps.Runner.RunDataset(ctx, cfg, ds, filter, limit)
		}
	}

	if objects > h.limits.MaxObjects {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("%d objects exceeds limit %d", objects, h.limits.MaxObjects))
		return
	}
	if total := objects * cfg.Propagation.NumStates(); total > h.limits.MaxStates {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("%d objects × %d states exceeds budget of %d states",
				objects, cfg.Propagation.NumStates(), h.limits.MaxStates))
		return
	}

	run, err := h.deps.Runs.Submit(req.Label, fn)
	if err != nil {
		if errors.Is(err, runs.ErrBusy) {
			w.Header().Set("Retry-After", "10")
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	w.Header().Set("Location", "/api/v1/runs/"+run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

// listRuns handles GET /api/v1/runs.
func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  h.deps.Runs.List(),
		"stats": h.deps.Runs.Stats(),
	})
}

// configView is the JSON form of a run's configuration.
type configView struct {
	StepSeconds             float64            `json:"step_seconds"`
	DurationSeconds         float64            `json:"duration_seconds"`
	Workers                 int                `json:"workers"`
	StatesPerObject         int                `json:"states_per_object"`
	Constants               physics.Constants  `json:"constants"`
	Validate                bool               `json:"validate"`
	Alignment               validation.Options `json:"alignment"`
	ReferenceCadenceSeconds float64            `json:"reference_cadence_seconds"`
	Target                  validation.Target  `json:"target"`
}

func newConfigView(b *propagation.Batch, cfg simulation.Config) configView {
	return configView{
		StepSeconds:             b.Config.StepSeconds,
		DurationSeconds:         b.Config.DurationSeconds,
		Workers:                 b.Config.Workers,
		StatesPerObject:         b.Config.NumStates(),
		Constants:               cfg.Constants,
		Validate:                cfg.ValidateReference,
		Alignment:               cfg.Alignment,
		ReferenceCadenceSeconds: cfg.ReferenceCadence.Seconds(),
		Target:                  cfg.Target,
	}
}

// runResponse is a run snapshot plus its results once done.
type runResponse struct {
	runs.Run
	Config     *configView               `json:"config,omitempty"`
	DurationMs int64                     `json:"duration_ms,omitempty"`
	Counts     map[string]int            `json:"counts,omitempty"`
	Objects    []simulation.ObjectResult `json:"objects,omitempty"`
	Rejected   []validation.Failure      `json:"rejected,omitempty"`
	Validation *validation.BatchReport   `json:"validation,omitempty"`
}

func newRunResponse(run runs.Run) runResponse {
	resp := runResponse{Run: run}
	res := run.Result
	if res == nil {
		return resp
	}
	cv := newConfigView(res.Batch, res.Config)
	resp.Config = &cv
	resp.DurationMs = res.Duration.Milliseconds()
	resp.Counts = make(map[string]int, 4)
	for _, s := range []propagation.Status{
		propagation.StatusComplete, propagation.StatusDiverged,
		propagation.StatusError, propagation.StatusIncomplete,
	} {
		resp.Counts[string(s)] = res.Batch.Count(s)
	}
	resp.Objects = res.Objects
	resp.Rejected = res.Rejected
	resp.Validation = res.Validation
	return resp
}

// getRun handles GET /api/v1/runs/{id}.
func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, ok := h.deps.Runs.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, newRunResponse(run))
}

// stateView is one trajectory sample in TEME or ECEF.
type stateView struct {
	Epoch    float64    `json:"epoch_seconds"`
	T        time.Time  `json:"t"`
	Position [3]float64 `json:"position_km"`
	Velocity [3]float64 `json:"velocity_km_s"`
}

// pointView is one ground-track sample.
type pointView struct {
	Epoch float64   `json:"epoch_seconds"`
	T     time.Time `json:"t"`
	transform.Geodetic
}

type trajectoryResponse struct {
	RunID    string             `json:"run_id"`
	ObjectID string             `json:"object_id"`
	Start    time.Time          `json:"start"`
	Status   propagation.Status `json:"status"`
	Frame    transform.Frame    `json:"frame"`
	Stride   int                `json:"stride"`
	Total    int                `json:"total"`
	States   []stateView        `json:"states,omitempty"`
	Points   []pointView        `json:"points,omitempty"`
}

// getObject handles GET /api/v1/runs/{id}/objects/{object_id}?frame=teme&stride=1.
func (h *handlers) getObject(w http.ResponseWriter, r *http.Request) {
	frame, err := transform.ParseFrame(r.URL.Query().Get("frame"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stride := 1
	if v := r.URL.Query().Get("stride"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100000 {
			writeError(w, http.StatusBadRequest, "invalid stride parameter, must be 1-100000")
			return
		}
		stride = n
	}

	id := r.PathValue("id")
	run, ok := h.deps.Runs.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %q not found", id))
		return
	}
	if run.Result == nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("run %q is %s", id, run.State))
		return
	}

	objectID := r.PathValue("object_id")
	tr, start, ok := run.Result.Trajectory(objectID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("object %q not in run %q", objectID, id))
		return
	}
	pr, _ := run.Result.Batch.Result(objectID)

	sampled := strided(tr.States(), stride)
	resp := trajectoryResponse{
		RunID:    id,
		ObjectID: objectID,
		Start:    start,
		Status:   pr.Status,
		Frame:    frame,
		Stride:   stride,
		Total:    tr.Len(),
	}
	switch frame {
	case transform.FrameGeodetic:
		track := transform.GroundTrack(sampled, start)
		resp.Points = make([]pointView, len(sampled))
		for i, s := range sampled {
			resp.Points[i] = pointView{Epoch: s.Epoch, T: transform.EpochTime(start, s.Epoch), Geodetic: track[i]}
		}
	case transform.FrameECEF:
		resp.States = stateViews(transform.TrajectoryToECEF(sampled, start), start)
	default:
		resp.States = stateViews(sampled, start)
	}
	writeJSON(w, http.StatusOK, resp)
}

// strided keeps every stride-th state and always the last one.
func strided(states []orbit.State, stride int) []orbit.State {
	if stride <= 1 || len(states) == 0 {
		return states
	}
	out := make([]orbit.State, 0, len(states)/stride+2)
	for i := 0; i < len(states); i += stride {
		out = append(out, states[i])
	}
	if (len(states)-1)%stride != 0 {
		out = append(out, states[len(states)-1])
	}
	return out
}

func stateViews(states []orbit.State, start time.Time) []stateView {
	out := make([]stateView, len(states))
	for i, s := range states {
		out[i] = stateView{
			Epoch:    s.Epoch,
			T:        transform.EpochTime(start, s.Epoch),
			Position: s.Position,
			Velocity: s.Velocity,
		}
	}
	return out
}

// tleMetadataResponse describes the loaded TLE dataset.
type tleMetadataResponse struct {
	Source     string         `json:"source"`
	FetchedAt  time.Time      `json:"fetched_at"`
	AgeSeconds int            `json:"age_seconds"`
	Count      int            `json:"count"`
	EpochRange tle.EpochRange `json:"epoch_range"`
}

func newTLEMetadata(ds *tle.Dataset) tleMetadataResponse {
	return tleMetadataResponse{
		Source:     ds.Source,
		FetchedAt:  ds.FetchedAt.UTC(),
		AgeSeconds: int(time.Since(ds.FetchedAt).Seconds()),
		Count:      len(ds.Entries),
		EpochRange: ds.EpochRange,
	}
}

// tleMetadata handles GET /api/v1/tle/metadata.
func (h *handlers) tleMetadata(w http.ResponseWriter, r *http.Request) {
	ds := h.deps.TLE.Get()
	if ds == nil {
		writeError(w, http.StatusServiceUnavailable, "no TLE dataset loaded")
		return
	}
	writeJSON(w, http.StatusOK, newTLEMetadata(ds))
}

// tleRefresh handles POST /api/v1/tle/refresh.
func (h *handlers) tleRefresh(w http.ResponseWriter, r *http.Request) {
	if h.deps.Loader == nil {
		writeError(w, http.StatusServiceUnavailable, "TLE refresh not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()

	ds, err := h.deps.TLE.Refresh(ctx, h.deps.Loader, true)
	if err != nil {
		h.logger.Error("TLE refresh failed", "error", err)
		writeError(w, http.StatusBadGateway, "TLE refresh failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newTLEMetadata(ds))
}
