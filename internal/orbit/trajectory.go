package orbit

import (
	"fmt"
	"sort"
)

// Trajectory is an ordered sequence of states for a single object, strictly
// increasing in epoch. Trajectory is read-only; accessors return copies.
type Trajectory struct {
	objectID string
	states   []State
}

// NewTrajectory copies states into a new Trajectory.
// Returns an error if epochs are not strictly increasing.
func NewTrajectory(objectID string, states []State) (Trajectory, error) {
	for i := 1; i < len(states); i++ {
		if !(states[i].Epoch > states[i-1].Epoch) {
			return Trajectory{}, fmt.Errorf("trajectory %q: epoch %.6f at index %d does not follow %.6f",
				objectID, states[i].Epoch, i, states[i-1].Epoch)
		}
	}
	cp := make([]State, len(states))
	copy(cp, states)
	return Trajectory{objectID: objectID, states: cp}, nil
}

// ObjectID returns the identifier of the tracked object.
func (t Trajectory) ObjectID() string { return t.objectID }

// Len returns the number of states.
func (t Trajectory) Len() int { return len(t.states) }

// At returns the i-th state.
func (t Trajectory) At(i int) State { return t.states[i] }

// First returns the earliest state. Panics on an empty trajectory.
func (t Trajectory) First() State { return t.states[0] }

// Last returns the latest state. Panics on an empty trajectory.
func (t Trajectory) Last() State { return t.states[len(t.states)-1] }

// States returns a copy of the underlying states.
func (t Trajectory) States() []State {
	cp := make([]State, len(t.states))
	copy(cp, t.states)
	return cp
}

// Span returns the first and last epoch. Both are zero for an empty trajectory.
func (t Trajectory) Span() (start, end float64) {
	if len(t.states) == 0 {
		return 0, 0
	}
	return t.states[0].Epoch, t.states[len(t.states)-1].Epoch
}

// Bracket returns indices lo, hi with At(lo).Epoch <= epoch <= At(hi).Epoch and
// hi-lo <= 1. ok is false when epoch lies outside the trajectory span.
func (t Trajectory) Bracket(epoch float64) (lo, hi int, ok bool) {
	n := len(t.states)
	if n == 0 || epoch < t.states[0].Epoch || epoch > t.states[n-1].Epoch {
		return 0, 0, false
	}
	// First index with Epoch >= epoch.
	hi = sort.Search(n, func(i int) bool { return t.states[i].Epoch >= epoch })
	if t.states[hi].Epoch == epoch {
		return hi, hi, true
	}
	return hi - 1, hi, true
}

// Builder accumulates states for one object during propagation.
type Builder struct {
	objectID string
	states   []State
}

// NewBuilder returns a Builder with room for capacity states.
func NewBuilder(objectID string, capacity int) *Builder {
	return &Builder{objectID: objectID, states: make([]State, 0, capacity)}
}

// Append adds s to the end of the trajectory. s must be later than the last state.
func (b *Builder) Append(s State) error {
	if n := len(b.states); n > 0 && !(s.Epoch > b.states[n-1].Epoch) {
		return fmt.Errorf("trajectory %q: epoch %.6f does not follow %.6f", b.objectID, s.Epoch, b.states[n-1].Epoch)
	}
	b.states = append(b.states, s)
	return nil
}

// Len returns the number of states appended so far.
func (b *Builder) Len() int { return len(b.states) }

// Build hands the accumulated states over to a Trajectory. The builder is
// empty afterwards.
func (b *Builder) Build() Trajectory {
	states := b.states[:len(b.states):len(b.states)]
	b.states = nil
	return Trajectory{objectID: b.objectID, states: states}
}
