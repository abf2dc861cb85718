// Package reference samples SGP4 reference trajectories from TLEs. It supplies
// both the initial states handed to the numerical propagator and the
// trajectories the numerical result is validated against.
package reference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/star/orbitsim/internal/orbit"
	"github.com/star/orbitsim/internal/tle"
)

// SGP4 library choice: github.com/joshuaferrara/go-satellite
//
// Propagate() takes time as whole calendar seconds and hides SGP4 error codes,
// so sampling starts on a whole second and failures are detected by checking
// output for NaN/Inf and unreasonable position magnitudes.

var (
	// ErrInvalidTLE is returned for TLE lines the SGP4 model cannot use.
	ErrInvalidTLE = errors.New("invalid TLE for SGP4")
	// ErrPropagation is returned when SGP4 produces an unusable state.
	ErrPropagation = errors.New("sgp4 propagation failed")
)

const (
	minRadiusKm = 6200.0
	maxRadiusKm = 50000.0
)

// SGP4 wraps the go-satellite model for a single TLE. Epochs of the states it
// returns are seconds since Start.
type SGP4 struct {
	sat   satellite.Satellite
	entry tle.Entry
	start time.Time
}

// NewSGP4 initializes the SGP4 model from entry. Sampling starts at the TLE
// epoch rounded up to the next whole second.
func NewSGP4(entry tle.Entry) (*SGP4, error) {
	if err := validateLines(entry); err != nil {
		return nil, fmt.Errorf("%w: NORAD %d: %w", ErrInvalidTLE, entry.NORADID, err)
	}

	sat := satellite.TLEToSat(entry.Line1, entry.Line2, satellite.GravityWGS84)
	if sat.Error != 0 {
		return nil, fmt.Errorf("%w: NORAD %d: init code=%d %s", ErrInvalidTLE, entry.NORADID, sat.Error, sat.ErrorStr)
	}

	return &SGP4{sat: sat, entry: entry, start: StartTime(entry.Epoch)}, nil
}

// StartTime returns t rounded up to a whole UTC second.
func StartTime(t time.Time) time.Time {
	t = t.UTC()
	if r := t.Truncate(time.Second); !r.Equal(t) {
		return r.Add(time.Second)
	}
	return t
}

// validateLines guards go-satellite, which calls log.Fatal on malformed input.
// Entries may be built by hand, so the lines are parsed again.
func validateLines(entry tle.Entry) error {
	_, err := tle.ParseEntry(entry.Name, entry.Line1, entry.Line2)
	return err
}

// ObjectID returns the NORAD catalog number as the state identifier.
func (p *SGP4) ObjectID() string {
	return strconv.Itoa(p.entry.NORADID)
}

// Name returns the satellite name from the TLE.
func (p *SGP4) Name() string {
	return p.entry.Name
}

// Start returns the instant that epoch 0 refers to.
func (p *SGP4) Start() time.Time {
	return p.start
}

// StateAt returns the TEME state at offset whole seconds after Start.
func (p *SGP4) StateAt(offset int) (orbit.State, error) {
	t := p.start.Add(time.Duration(offset) * time.Second)
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()

	pos, vel := satellite.Propagate(p.sat, year, int(month), day, hour, minute, sec)

	s := orbit.NewState(p.ObjectID(), float64(offset),
		orbit.Vec3{pos.X, pos.Y, pos.Z},
		orbit.Vec3{vel.X, vel.Y, vel.Z},
	)
	if !s.Position.IsFinite() || !s.Velocity.IsFinite() {
		return orbit.State{}, fmt.Errorf("%w: NORAD %d at %s: output is NaN/Inf",
			ErrPropagation, p.entry.NORADID, t.Format(time.RFC3339))
	}
	if r := s.Radius(); r < minRadiusKm || r > maxRadiusKm {
		return orbit.State{}, fmt.Errorf("%w: NORAD %d at %s: unreasonable position magnitude %.1f km",
			ErrPropagation, p.entry.NORADID, t.Format(time.RFC3339), r)
	}
	return s, nil
}

// InitialState returns the state at Start (epoch 0).
func (p *SGP4) InitialState() (orbit.State, error) {
	return p.StateAt(0)
}

// Trajectory samples SGP4 every cadence from Start until the sample at or
// beyond endSeconds. cadence must be a positive whole number of seconds.
func (p *SGP4) Trajectory(ctx context.Context, endSeconds float64, cadence time.Duration) (orbit.Trajectory, error) {
	if cadence < time.Second || cadence%time.Second != 0 {
		return orbit.Trajectory{}, fmt.Errorf("reference cadence must be a positive whole number of seconds, got %v", cadence)
	}
	if endSeconds < 0 || math.IsNaN(endSeconds) || math.IsInf(endSeconds, 0) {
		return orbit.Trajectory{}, fmt.Errorf("reference end must be finite and non-negative, got %v", endSeconds)
	}

	step := int(cadence / time.Second)
	last := int(math.Ceil(endSeconds/float64(step))) * step

	b := orbit.NewBuilder(p.ObjectID(), last/step+1)
	for offset := 0; offset <= last; offset += step {
		if err := ctx.Err(); err != nil {
			return orbit.Trajectory{}, err
		}
		s, err := p.StateAt(offset)
		if err != nil {
			return orbit.Trajectory{}, err
		}
		if err := b.Append(s); err != nil {
			return orbit.Trajectory{}, err
		}
	}
	return b.Build(), nil
}
