// Package runs keeps an in-memory registry of asynchronous simulation runs.
//
// Submitted runs execute in the background on a context owned by the store,
// so they outlive the request that created them. Finished runs are retained
// for a configurable period; a background loop evicts expired entries.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/star/orbitsim/internal/metrics"
	"github.com/star/orbitsim/internal/simulation"
)

var (
	// ErrBusy is returned when the maximum number of active runs is reached.
	ErrBusy = errors.New("too many active runs")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("run store closed")
)

// State is the lifecycle state of a run.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Finished reports whether the run has reached a terminal state.
func (s State) Finished() bool {
	return s == StateDone || s == StateFailed
}

// Config holds run store configuration.
type Config struct {
	MaxConcurrent int           // Active (pending + running) runs allowed (default: 4)
	MaxEntries    int           // Retained runs, oldest finished evicted first (default: 256)
	Retention     time.Duration // Keep finished runs this long (default: 1h)
	SweepInterval time.Duration // Eviction loop period (default: 1m)
}

// DefaultConfig returns the default run store configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 4,
		MaxEntries:    256,
		Retention:     time.Hour,
		SweepInterval: time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent runs must be positive, got %d", c.MaxConcurrent)
	}
	if c.MaxEntries < c.MaxConcurrent {
		return fmt.Errorf("max entries (%d) must be at least max concurrent runs (%d)", c.MaxEntries, c.MaxConcurrent)
	}
	if c.Retention <= 0 {
		return fmt.Errorf("retention must be positive, got %v", c.Retention)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %v", c.SweepInterval)
	}
	return nil
}

// Func executes one run. ctx is canceled when the store is closed.
type Func func(ctx context.Context) (*simulation.Result, error)

// Run is a snapshot of one run. Result is set once the run is done and is
// never modified afterwards.
type Run struct {
	ID          string             `json:"id"`
	Label       string             `json:"label,omitempty"`
	State       State              `json:"state"`
	SubmittedAt time.Time          `json:"submitted_at"`
	StartedAt   time.Time          `json:"started_at,omitzero"`
	FinishedAt  time.Time          `json:"finished_at,omitzero"`
	Error       string             `json:"error,omitempty"`
	Result      *simulation.Result `json:"-"`
}

// Store is the run registry. Safe for concurrent use by multiple goroutines.
type Store struct {
	mu     sync.RWMutex
	runs   map[string]*Run
	active int
	closed bool

	config Config
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Counters (lock-free).
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewStore creates a run store.
func NewStore(config Config, logger *slog.Logger) *Store {
	logger.Info("run store initialized",
		"max_concurrent", config.MaxConcurrent,
		"max_entries", config.MaxEntries,
		"retention_seconds", config.Retention.Seconds(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		runs:   make(map[string]*Run),
		config: config,
		logger: logger,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit registers a new run and executes fn in the background.
func (s *Store) Submit(label string, fn Func) (Run, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Run{}, ErrClosed
	}
	if s.active >= s.config.MaxConcurrent {
		s.mu.Unlock()
		return Run{}, fmt.Errorf("%w: limit %d", ErrBusy, s.config.MaxConcurrent)
	}

	run := &Run{
		ID:          uuid.NewString(),
		Label:       label,
		State:       StatePending,
		SubmittedAt: s.now(),
	}
	s.runs[run.ID] = run
	s.active++
	evicted := s.trimLocked()
	snapshot := *run
	count := len(s.runs)
	s.wg.Add(1)
	s.mu.Unlock()

	metrics.IncRunsActive()
	s.recordEvictions(evicted, count)
	s.logger.Info("run submitted", "run_id", run.ID, "label", label)

	go s.execute(run.ID, fn)
	return snapshot, nil
}

func (s *Store) execute(id string, fn Func) {
	defer s.wg.Done()

	s.update(id, func(r *Run) {
		r.State = StateRunning
		r.StartedAt = s.now()
	})

	res, err := fn(s.ctx)

	var final Run
	s.mu.Lock()
	if r, ok := s.runs[id]; ok {
		r.FinishedAt = s.now()
		if err != nil {
			r.State = StateFailed
			r.Error = err.Error()
		} else {
			r.State = StateDone
			r.Result = res
		}
		final = *r
	}
	s.active--
	s.mu.Unlock()
	metrics.RunFinished(string(final.State))

	duration := final.FinishedAt.Sub(final.StartedAt)
	if err != nil {
		s.logger.Warn("run failed", "run_id", id, "duration_ms", duration.Milliseconds(), "error", err)
		return
	}
	s.logger.Info("run done", "run_id", id, "duration_ms", duration.Milliseconds())
}

// update applies fn to the run under the write lock. Evicted runs are ignored.
func (s *Store) update(id string, fn func(*Run)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		fn(r)
	}
}

// Get returns a snapshot of the run with the given id.
func (s *Store) Get(id string) (Run, bool) {
	s.mu.RLock()
	r, ok := s.runs[id]
	var snapshot Run
	if ok {
		snapshot = *r
	}
	s.mu.RUnlock()

	if ok {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	metrics.IncRunLookup(ok)
	return snapshot, ok
}

// List returns snapshots of all retained runs, newest first.
func (s *Store) List() []Run {
	s.mu.RLock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, *r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out
}

// Start runs the eviction loop. Blocks until ctx is cancelled.
func (s *Store) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("run store eviction stopped")
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

// evictExpired removes finished runs older than now - retention.
func (s *Store) evictExpired() int {
	cutoff := s.now().Add(-s.config.Retention)
	var removed int

	s.mu.Lock()
	for id, r := range s.runs {
		if r.State.Finished() && r.FinishedAt.Before(cutoff) {
			delete(s.runs, id)
			removed++
		}
	}
	count := len(s.runs)
	s.mu.Unlock()

	s.recordEvictions(removed, count)
	return removed
}

// trimLocked evicts the oldest finished runs while the store holds more than
// MaxEntries. Caller must hold mu.
func (s *Store) trimLocked() int {
	excess := len(s.runs) - s.config.MaxEntries
	if excess <= 0 {
		return 0
	}

	finished := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		if r.State.Finished() {
			finished = append(finished, r)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].FinishedAt.Before(finished[j].FinishedAt)
	})

	var removed int
	for _, r := range finished {
		if removed == excess {
			break
		}
		delete(s.runs, r.ID)
		removed++
	}
	return removed
}

func (s *Store) recordEvictions(removed, count int) {
	metrics.SetRunStoreEntries(count)
	if removed == 0 {
		return
	}
	s.evictions.Add(int64(removed))
	metrics.AddRunStoreEvictions(removed)
	s.logger.Debug("run eviction", "runs_removed", removed)
}

// Close cancels all active runs and waits for them to finish.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Stats holds run store statistics.
type Stats struct {
	Entries   int   `json:"entries"`
	Active    int   `json:"active"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Stats returns current run store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Entries:   len(s.runs),
		Active:    s.active,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}
}
