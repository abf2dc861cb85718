// Package integrator advances orbital states with the classical fixed-step
// 4th-order Runge-Kutta scheme.
package integrator

import (
	"errors"
	"fmt"
	"math"

	"github.com/star/orbitsim/internal/orbit"
	"github.com/star/orbitsim/internal/physics"
)

// DefaultMaxRadius bounds the position magnitude (km) of a healthy state.
// Anything beyond it is treated as numerical blow-up.
const DefaultMaxRadius = 1e6

// ErrDiverged is returned when a step produces a non-finite state or leaves
// the radius bounds.
var ErrDiverged = errors.New("trajectory diverged")

// RK4 integrates the coupled position/velocity ODE
//
//	dr/dt = v
//	dv/dt = a(r)
//
// with a fixed step. RK4 holds no mutable state and is safe for concurrent use.
type RK4 struct {
	force     *physics.ForceModel
	h         float64
	minRadius float64
	maxRadius float64
}

// Option configures an RK4.
type Option func(*RK4)

// WithRadiusBounds overrides the divergence bounds (km).
func WithRadiusBounds(min, max float64) Option {
	return func(r *RK4) {
		r.minRadius = min
		r.maxRadius = max
	}
}

// NewRK4 creates an integrator with step h seconds.
func NewRK4(force *physics.ForceModel, h float64, opts ...Option) (*RK4, error) {
	if force == nil {
		return nil, errors.New("rk4: nil force model")
	}
	if !(h > 0) || math.IsInf(h, 0) {
		return nil, fmt.Errorf("rk4: step must be positive and finite, got %v", h)
	}
	r := &RK4{
		force:     force,
		h:         h,
		minRadius: orbit.MinRadius,
		maxRadius: DefaultMaxRadius,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// StepSize returns h in seconds.
func (r *RK4) StepSize() float64 {
	return r.h
}

// derivative is one RK4 stage: (dr/dt, dv/dt).
type derivative struct {
	dr, dv orbit.Vec3
}

func (r *RK4) eval(pos, vel orbit.Vec3) (derivative, error) {
	a, err := r.force.Acceleration(pos)
	if err != nil {
		return derivative{}, err
	}
	return derivative{dr: vel, dv: a}, nil
}

// Step returns the state at s.Epoch + h.
//
// Returns orbit.ErrInvalidState if s cannot be evaluated, and ErrDiverged if
// an intermediate stage or the result leaves the valid region.
func (r *RK4) Step(s orbit.State) (orbit.State, error) {
	if err := s.Validate(); err != nil {
		return orbit.State{}, err
	}

	h := r.h
	half := h / 2

	k1, err := r.eval(s.Position, s.Velocity)
	if err != nil {
		return orbit.State{}, r.diverged(s, err)
	}
	k2, err := r.eval(s.Position.Add(k1.dr.Scale(half)), s.Velocity.Add(k1.dv.Scale(half)))
	if err != nil {
		return orbit.State{}, r.diverged(s, err)
	}
	k3, err := r.eval(s.Position.Add(k2.dr.Scale(half)), s.Velocity.Add(k2.dv.Scale(half)))
	if err != nil {
		return orbit.State{}, r.diverged(s, err)
	}
	k4, err := r.eval(s.Position.Add(k3.dr.Scale(h)), s.Velocity.Add(k3.dv.Scale(h)))
	if err != nil {
		return orbit.State{}, r.diverged(s, err)
	}

	w := h / 6
	next := orbit.State{
		ObjectID: s.ObjectID,
		Epoch:    s.Epoch + h,
		Position: s.Position.Add(weighted(k1.dr, k2.dr, k3.dr, k4.dr).Scale(w)),
		Velocity: s.Velocity.Add(weighted(k1.dv, k2.dv, k3.dv, k4.dv).Scale(w)),
	}

	if !next.Position.IsFinite() || !next.Velocity.IsFinite() {
		return orbit.State{}, fmt.Errorf("%w: object %q non-finite state at epoch %.3f", ErrDiverged, s.ObjectID, next.Epoch)
	}
	if rad := next.Radius(); rad < r.minRadius || rad > r.maxRadius {
		return orbit.State{}, fmt.Errorf("%w: object %q radius %.6g km outside [%.6g, %.6g] at epoch %.3f",
			ErrDiverged, s.ObjectID, rad, r.minRadius, r.maxRadius, next.Epoch)
	}
	return next, nil
}

// diverged wraps a stage evaluation failure. The input state was valid, so a
// failing stage means the step itself blew up.
func (r *RK4) diverged(s orbit.State, err error) error {
	return fmt.Errorf("%w: object %q stage evaluation at epoch %.3f: %v", ErrDiverged, s.ObjectID, s.Epoch, err)
}

// weighted returns k1 + 2·k2 + 2·k3 + k4.
func weighted(k1, k2, k3, k4 orbit.Vec3) orbit.Vec3 {
	return k1.Add(k2.Scale(2)).Add(k3.Scale(2)).Add(k4)
}
