// Package simulation runs the full pipeline for a set of tracked objects:
// SGP4 initial states, batch RK4 propagation, and validation of every
// completed trajectory against an SGP4 reference trajectory.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/star/orbitsim/internal/metrics"
	"github.com/star/orbitsim/internal/orbit"
	"github.com/star/orbitsim/internal/physics"
	"github.com/star/orbitsim/internal/propagation"
	"github.com/star/orbitsim/internal/reference"
	"github.com/star/orbitsim/internal/tle"
	"github.com/star/orbitsim/internal/validation"
)

// ErrNoObjects is returned when a run selects nothing to propagate.
var ErrNoObjects = errors.New("no objects to propagate")

// ReferenceSource supplies the initial state of one object and reference
// trajectories to validate against. Epochs are seconds since Start.
type ReferenceSource interface {
	ObjectID() string
	Name() string
	Start() time.Time
	InitialState() (orbit.State, error)
	Trajectory(ctx context.Context, endSeconds float64, cadence time.Duration) (orbit.Trajectory, error)
}

// Config is the full configuration of one run.
type Config struct {
	Propagation propagation.Config
	Constants   physics.Constants
	// ValidateReference enables comparison against reference trajectories.
	ValidateReference bool
	Alignment         validation.Options
	ReferenceCadence  time.Duration
	Target            validation.Target
	// Timeout bounds the whole run; zero means no limit.
	Timeout time.Duration
}

// DefaultConfig mirrors the classic setup: 60 s steps over one hour, Earth
// constants with J2, validation on at a 60 s reference cadence.
func DefaultConfig() Config {
	return Config{
		Propagation:       propagation.Config{StepSeconds: 60, DurationSeconds: 3600},
		Constants:         physics.Earth(),
		ValidateReference: true,
		Alignment:         validation.DefaultOptions(),
		ReferenceCadence:  60 * time.Second,
		Target:            validation.DefaultTarget(),
	}
}

// Validate checks the configuration before any work starts.
func (c Config) Validate() error {
	if err := c.Propagation.Validate(); err != nil {
		return err
	}
	if err := c.Constants.Validate(); err != nil {
		return fmt.Errorf("%w: %w", propagation.ErrConfiguration, err)
	}
	if !c.ValidateReference {
		return nil
	}
	if err := c.Alignment.Validate(); err != nil {
		return fmt.Errorf("%w: %w", propagation.ErrConfiguration, err)
	}
	if c.ReferenceCadence < time.Second || c.ReferenceCadence%time.Second != 0 {
		return fmt.Errorf("%w: reference cadence must be a positive whole number of seconds, got %v",
			propagation.ErrConfiguration, c.ReferenceCadence)
	}
	return nil
}

// ObjectResult summarizes one object of a run.
type ObjectResult struct {
	ObjectID string             `json:"object_id"`
	Name     string             `json:"name,omitempty"`
	Start    time.Time          `json:"start"`
	Status   propagation.Status `json:"status"`
	Error    string             `json:"error,omitempty"`
	States   int                `json:"states"`
	// Final holds the elements of the last propagated state.
	Final  *orbit.Elements         `json:"final_elements,omitempty"`
	Report *validation.ErrorReport `json:"validation,omitempty"`
}

// Result is the outcome of one run.
type Result struct {
	Config  Config
	Batch   *propagation.Batch
	Objects []ObjectResult
	// Rejected lists objects that never reached the propagator.
	Rejected   []validation.Failure
	Validation *validation.BatchReport
	Duration   time.Duration
}

// Trajectory returns the propagated trajectory of objectID.
func (r *Result) Trajectory(objectID string) (orbit.Trajectory, time.Time, bool) {
	for i, o := range r.Objects {
		if o.ObjectID == objectID {
			return r.Batch.Results[i].Trajectory, o.Start, true
		}
	}
	return orbit.Trajectory{}, time.Time{}, false
}

// sgp4Cache holds preinitialized SGP4 models for a specific TLE dataset.
// Immutable after construction; safe for concurrent reads.
type sgp4Cache struct {
	models    map[int]*reference.SGP4
	fetchedAt time.Time
}

// Runner executes simulation runs. Safe for concurrent use.
type Runner struct {
	logger *slog.Logger
	sgp4   atomic.Pointer[sgp4Cache]
	sgp4Mu sync.Mutex // serializes cache rebuilds
}

// NewRunner creates a Runner.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// cachedModels returns preinitialized SGP4 models for the given dataset.
// Rebuilds the cache if the dataset has changed (double-checked locking).
func (r *Runner) cachedModels(ds *tle.Dataset) map[int]*reference.SGP4 {
	if c := r.sgp4.Load(); c != nil && c.fetchedAt.Equal(ds.FetchedAt) {
		return c.models
	}

	r.sgp4Mu.Lock()
	defer r.sgp4Mu.Unlock()

	if c := r.sgp4.Load(); c != nil && c.fetchedAt.Equal(ds.FetchedAt) {
		return c.models
	}

	models := make(map[int]*reference.SGP4, len(ds.Entries))
	var skipped int
	for _, entry := range ds.Entries {
		if _, ok := models[entry.NORADID]; ok {
			continue
		}
		m, err := reference.NewSGP4(entry)
		if err != nil {
			r.logger.Warn("sgp4 cache init failed", "norad_id", entry.NORADID, "error", err)
			skipped++
			continue
		}
		models[entry.NORADID] = m
	}

	r.logger.Info("sgp4 model cache rebuilt",
		"cached", len(models),
		"skipped", skipped,
		"dataset_fetched_at", ds.FetchedAt.UTC().Format(time.RFC3339),
	)
	r.sgp4.Store(&sgp4Cache{models: models, fetchedAt: ds.FetchedAt})
	return models
}

// RunDataset runs every dataset entry whose name contains filter, keeping at
// most limit entries (limit <= 0 keeps all).
func (r *Runner) RunDataset(ctx context.Context, cfg Config, ds *tle.Dataset, filter string, limit int) (*Result, error) {
	if ds == nil {
		return nil, fmt.Errorf("%w: no TLE dataset loaded", ErrNoObjects)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	selected := ds.Select(filter, limit)
	models := r.cachedModels(ds)

	sources := make([]ReferenceSource, 0, len(selected))
	var rejected []validation.Failure
	for _, e := range selected {
		m, ok := models[e.NORADID]
		if !ok {
			rejected = append(rejected, validation.Failure{
				ObjectID: fmt.Sprint(e.NORADID),
				Reason:   "sgp4 initialization failed",
			})
			continue
		}
		sources = append(sources, m)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: filter %q matched %d of %d entries", ErrNoObjects, filter, len(selected), len(ds.Entries))
	}

	return r.run(ctx, cfg, sources, rejected)
}

// RunTLEs parses TLE blocks (2 or 3 lines each) and runs them.
// Blocks that fail to parse or repeat an earlier catalog number are
// rejected, not fatal.
func (r *Runner) RunTLEs(ctx context.Context, cfg Config, blocks [][]string) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var sources []ReferenceSource
	var rejected []validation.Failure
	seen := make(map[int]bool, len(blocks))
	for i, block := range blocks {
		entry, err := tle.ParseLines(block)
		if err == nil && seen[entry.NORADID] {
			err = fmt.Errorf("duplicate NORAD ID %d", entry.NORADID)
		}
		if err == nil {
			var m *reference.SGP4
			if m, err = reference.NewSGP4(entry); err == nil {
				seen[entry.NORADID] = true
				sources = append(sources, m)
				continue
			}
		}
		rejected = append(rejected, validation.Failure{ObjectID: blockID(i, block), Reason: err.Error()})
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: all %d TLE blocks rejected", ErrNoObjects, len(blocks))
	}

	return r.run(ctx, cfg, sources, rejected)
}

func blockID(i int, block []string) string {
	if len(block) == 3 {
		return strings.TrimSpace(block[0])
	}
	return fmt.Sprintf("tle[%d]", i)
}

// Run runs the given sources.
func (r *Runner) Run(ctx context.Context, cfg Config, sources []ReferenceSource) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, ErrNoObjects
	}
	return r.run(ctx, cfg, sources, nil)
}

// RunStates propagates explicit initial states. There is no reference to
// validate against, so validation is skipped.
func (r *Runner) RunStates(ctx context.Context, cfg Config, start time.Time, states []orbit.State) (*Result, error) {
	cfg.ValidateReference = false
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, ErrNoObjects
	}

	ctx, cancel := r.withTimeout(ctx, cfg)
	defer cancel()

	begin := time.Now()
	batch, err := r.propagate(ctx, cfg, states)
	if err != nil {
		return nil, err
	}
	objects := make([]ObjectResult, len(states))
	for i := range states {
		objects[i] = summarize(batch.Results[i], "", start, cfg.Constants.Mu)
	}
	return &Result{Config: cfg, Batch: batch, Objects: objects, Duration: time.Since(begin)}, nil
}

func (r *Runner) withTimeout(ctx context.Context, cfg Config) (context.Context, context.CancelFunc) {
	if cfg.Timeout > 0 {
		return context.WithTimeout(ctx, cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func (r *Runner) propagate(ctx context.Context, cfg Config, states []orbit.State) (*propagation.Batch, error) {
	bp, err := propagation.NewBatchPropagator(cfg.Propagation, cfg.Constants, r.logger)
	if err != nil {
		return nil, err
	}
	return bp.Propagate(ctx, states), nil
}

func (r *Runner) run(ctx context.Context, cfg Config, sources []ReferenceSource, rejected []validation.Failure) (*Result, error) {
	ctx, cancel := r.withTimeout(ctx, cfg)
	defer cancel()
	begin := time.Now()

	// Initial states from the reference model at each object's start.
	kept := make([]ReferenceSource, 0, len(sources))
	states := make([]orbit.State, 0, len(sources))
	for _, src := range sources {
		s, err := src.InitialState()
		if err != nil {
			r.logger.Warn("initial state unavailable", "object_id", src.ObjectID(), "error", err)
			rejected = append(rejected, validation.Failure{ObjectID: src.ObjectID(), Reason: err.Error()})
			continue
		}
		kept = append(kept, src)
		states = append(states, s)
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("%w: no initial state could be computed", ErrNoObjects)
	}

	batch, err := r.propagate(ctx, cfg, states)
	if err != nil {
		return nil, err
	}

	objects := make([]ObjectResult, len(kept))
	for i, src := range kept {
		objects[i] = summarize(batch.Results[i], src.Name(), src.Start(), cfg.Constants.Mu)
	}

	res := &Result{Config: cfg, Batch: batch, Objects: objects, Rejected: rejected}
	if cfg.ValidateReference {
		report := r.validate(ctx, cfg, kept, batch, objects)
		res.Validation = &report
	}
	res.Duration = time.Since(begin)

	r.logger.Info("simulation run complete",
		"objects", len(objects),
		"rejected", len(rejected),
		"validated", validatedCount(res.Validation),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

func validatedCount(br *validation.BatchReport) int {
	if br == nil {
		return 0
	}
	return len(br.Objects)
}

func summarize(pr propagation.Result, name string, start time.Time, mu float64) ObjectResult {
	o := ObjectResult{
		ObjectID: pr.ObjectID,
		Name:     name,
		Start:    start,
		Status:   pr.Status,
		States:   pr.Trajectory.Len(),
	}
	if pr.Err != nil {
		o.Error = pr.Err.Error()
	}
	if pr.Trajectory.Len() > 0 {
		el := orbit.ElementsOf(pr.Trajectory.Last(), mu)
		o.Final = &el
	}
	return o
}

// validate compares every complete trajectory against its reference. References
// are sampled concurrently, bounded by the propagation worker count.
func (r *Runner) validate(ctx context.Context, cfg Config, sources []ReferenceSource, batch *propagation.Batch, objects []ObjectResult) validation.BatchReport {
	type outcome struct {
		report *validation.ErrorReport
		reason string
	}
	outcomes := make([]outcome, len(sources))

	sem := make(chan struct{}, batch.Config.Workers)
	var wg sync.WaitGroup
	for i, src := range sources {
		pr := batch.Results[i]
		if pr.Status != propagation.StatusComplete {
			outcomes[i] = outcome{reason: string(pr.Status)}
			continue
		}

		wg.Add(1)
		go func(i int, src ReferenceSource, computed orbit.Trajectory) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				outcomes[i] = outcome{reason: "canceled"}
				return
			}
			defer func() { <-sem }()

			_, end := computed.Span()
			ref, err := src.Trajectory(ctx, end, cfg.ReferenceCadence)
			if err != nil {
				outcomes[i] = outcome{reason: "reference: " + err.Error()}
				return
			}
			report, err := validation.Compare(computed, ref, cfg.Alignment)
			if err != nil {
				outcomes[i] = outcome{reason: err.Error()}
				return
			}
			outcomes[i] = outcome{report: &report}
		}(i, src, pr.Trajectory)
	}
	wg.Wait()

	var reports []validation.ErrorReport
	var failures []validation.Failure
	for i, o := range outcomes {
		if o.report == nil {
			failures = append(failures, validation.Failure{ObjectID: sources[i].ObjectID(), Reason: o.reason})
			metrics.IncValidationFailures(failureKind(o.reason))
			continue
		}
		objects[i].Report = o.report
		reports = append(reports, *o.report)
		metrics.ObserveValidation(o.report.Position.Mean, o.report.Velocity.Mean)
	}

	br := validation.Aggregate(reports, failures, cfg.Target)
	r.logger.Debug("validation complete",
		"validated", len(reports),
		"failures", len(failures),
		"mean_position_error_km", br.MeanPosition,
		"max_position_error_km", br.MaxPosition,
		"within_target", br.WithinTarget,
	)
	return br
}

// failureKind maps a failure reason to a bounded metric label.
func failureKind(reason string) string {
	switch {
	case strings.HasPrefix(reason, "reference: "):
		return "reference"
	case strings.Contains(reason, validation.ErrAlignment.Error()):
		return "alignment"
	case reason == string(propagation.StatusDiverged),
		reason == string(propagation.StatusError),
		reason == string(propagation.StatusIncomplete),
		reason == "canceled":
		return reason
	}
	return "other"
}
