// Package validation compares computed trajectories against reference
// trajectories and reports position and velocity error statistics.
//
// Reference and computed samples are paired on the computed epochs. When the
// reference has no sample at a computed epoch, the configured Policy decides
// how a reference state is produced there.
package validation

import (
	"errors"
	"fmt"
	"math"

	"github.com/star/orbitsim/internal/orbit"
)

// ErrAlignment is returned when the reference does not overlap the computed
// trajectory's time horizon.
var ErrAlignment = errors.New("reference does not overlap computed trajectory")

// Policy selects how a reference state is obtained at a computed epoch.
type Policy string

const (
	// PolicyLinear interpolates position and velocity linearly between the
	// two reference samples bracketing the epoch.
	PolicyLinear Policy = "linear"
	// PolicyNearest uses the closest reference sample, provided it lies
	// within Options.Tolerance seconds of the epoch.
	PolicyNearest Policy = "nearest"
)

// ParsePolicy returns the policy named s. An empty string selects PolicyLinear.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyLinear:
		return PolicyLinear, nil
	case PolicyNearest:
		return PolicyNearest, nil
	}
	return "", fmt.Errorf("unknown alignment policy %q (want %q or %q)", s, PolicyLinear, PolicyNearest)
}

// Options controls alignment.
type Options struct {
	Policy Policy `yaml:"policy" json:"policy"`
	// Tolerance is the largest epoch gap, in seconds, accepted by PolicyNearest.
	// Zero means exact matches only.
	Tolerance float64 `yaml:"tolerance_seconds" json:"tolerance_seconds"`
}

// DefaultOptions returns linear interpolation.
func DefaultOptions() Options {
	return Options{Policy: PolicyLinear}
}

// Validate checks the options.
func (o Options) Validate() error {
	if _, err := ParsePolicy(string(o.Policy)); err != nil {
		return err
	}
	if o.Tolerance < 0 || math.IsNaN(o.Tolerance) || math.IsInf(o.Tolerance, 0) {
		return fmt.Errorf("alignment tolerance must be a finite non-negative number, got %v", o.Tolerance)
	}
	return nil
}

// Sample returns the reference state at epoch according to opts.
// ok is false when the reference cannot provide a state there.
func Sample(ref orbit.Trajectory, epoch float64, opts Options) (orbit.State, bool) {
	lo, hi, ok := ref.Bracket(epoch)
	if !ok {
		return orbit.State{}, false
	}
	a, b := ref.At(lo), ref.At(hi)
	if lo == hi {
		return a, true
	}

	if opts.Policy == PolicyNearest {
		nearest := a
		if b.Epoch-epoch < epoch-a.Epoch {
			nearest = b
		}
		if math.Abs(nearest.Epoch-epoch) > opts.Tolerance {
			return orbit.State{}, false
		}
		return nearest, true
	}

	t := (epoch - a.Epoch) / (b.Epoch - a.Epoch)
	return orbit.State{
		ObjectID: a.ObjectID,
		Epoch:    epoch,
		Position: orbit.Lerp(a.Position, b.Position, t),
		Velocity: orbit.Lerp(a.Velocity, b.Velocity, t),
	}, true
}
