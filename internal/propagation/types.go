package propagation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/star/orbitsim/internal/orbit"
)

// maxStatesPerObject caps ceil(D/h)+1 so a tiny step cannot exhaust memory.
const maxStatesPerObject = 50_000_000

// ErrConfiguration is returned before any propagation starts when the run
// configuration cannot produce a finite, non-empty trajectory.
var ErrConfiguration = errors.New("invalid propagation configuration")

// Config holds batch propagation settings. Fixed for the lifetime of a run.
type Config struct {
	StepSeconds     float64 `yaml:"step_seconds" json:"step_seconds"`
	DurationSeconds float64 `yaml:"duration_seconds" json:"duration_seconds"`
	Workers         int     `yaml:"workers" json:"workers"` // <= 0 means runtime.NumCPU()
}

// Validate checks step and duration.
func (c Config) Validate() error {
	if !(c.StepSeconds > 0) || math.IsInf(c.StepSeconds, 0) {
		return fmt.Errorf("%w: step_seconds must be positive, got %v", ErrConfiguration, c.StepSeconds)
	}
	if !(c.DurationSeconds > 0) || math.IsInf(c.DurationSeconds, 0) {
		return fmt.Errorf("%w: duration_seconds must be positive, got %v", ErrConfiguration, c.DurationSeconds)
	}
	if n := c.numSteps(); n+1 > maxStatesPerObject {
		return fmt.Errorf("%w: %d states per object exceeds limit %d", ErrConfiguration, n+1, maxStatesPerObject)
	}
	return nil
}

// NumStates returns ceil(D/h)+1, the length of every complete trajectory.
func (c Config) NumStates() int {
	return c.numSteps() + 1
}

func (c Config) numSteps() int {
	ratio := c.DurationSeconds / c.StepSeconds
	if ratio >= maxStatesPerObject {
		return maxStatesPerObject
	}
	// Guard against D/h landing a hair above an integer through rounding.
	n := int(math.Ceil(ratio - 1e-9))
	if n < 1 && ratio > 0 {
		return 1
	}
	return n
}

// Status is the per-object outcome of a batch run.
type Status string

const (
	// StatusComplete means all ceil(D/h)+1 states were produced.
	StatusComplete Status = "complete"
	// StatusDiverged means integration blew up; the trajectory is truncated.
	StatusDiverged Status = "diverged"
	// StatusError means the initial state was rejected; the trajectory is empty.
	StatusError Status = "error"
	// StatusIncomplete means the run was canceled before the object finished.
	StatusIncomplete Status = "incomplete"
)

// Result holds one object's propagation outcome.
type Result struct {
	Index      int // position in the input slice
	ObjectID   string
	Status     Status
	Trajectory orbit.Trajectory
	Err        error
	Duration   time.Duration
}

// Batch is the outcome of one batch run. Results are in input order.
type Batch struct {
	Config   Config
	Results  []Result
	Duration time.Duration
}

// Count returns the number of results with the given status.
func (b *Batch) Count(s Status) int {
	var n int
	for _, r := range b.Results {
		if r.Status == s {
			n++
		}
	}
	return n
}

// Trajectories returns the trajectories of completed objects keyed by object id.
func (b *Batch) Trajectories() map[string]orbit.Trajectory {
	out := make(map[string]orbit.Trajectory, len(b.Results))
	for _, r := range b.Results {
		if r.Status == StatusComplete {
			out[r.ObjectID] = r.Trajectory
		}
	}
	return out
}

// Result returns the result for objectID, if present.
func (b *Batch) Result(objectID string) (Result, bool) {
	for _, r := range b.Results {
		if r.ObjectID == objectID {
			return r, true
		}
	}
	return Result{}, false
}
