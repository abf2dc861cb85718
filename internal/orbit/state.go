// Package orbit defines the immutable mechanical state of a tracked object and the
// trajectories built from it.
//
// Positions are in km and velocities in km/s in the Earth-centered inertial frame
// produced by SGP4 (TEME). Epochs are seconds since the start of a simulation run.
package orbit

import (
	"errors"
	"fmt"
)

// MinRadius is the position magnitude (km) below which a state is treated as
// degenerate. Gravity is singular at the origin.
const MinRadius = 1.0

// ErrInvalidState is returned for states with non-finite components or a
// near-zero position vector.
var ErrInvalidState = errors.New("invalid orbital state")

// State is one object's position and velocity at one instant.
// State is a value type; every transformation returns a new State.
type State struct {
	ObjectID string
	Epoch    float64 // seconds since simulation start
	Position Vec3    // km
	Velocity Vec3    // km/s
}

// NewState builds a State from position and velocity components.
func NewState(objectID string, epoch float64, position, velocity Vec3) State {
	return State{
		ObjectID: objectID,
		Epoch:    epoch,
		Position: position,
		Velocity: velocity,
	}
}

// Radius returns |r| in km.
func (s State) Radius() float64 {
	return s.Position.Norm()
}

// Speed returns |v| in km/s.
func (s State) Speed() float64 {
	return s.Velocity.Norm()
}

// At returns a copy of s with the epoch replaced.
func (s State) At(epoch float64) State {
	s.Epoch = epoch
	return s
}

// Validate checks that s can be fed to the force model.
func (s State) Validate() error {
	if !s.Position.IsFinite() || !s.Velocity.IsFinite() {
		return fmt.Errorf("%w: object %q has non-finite components at epoch %.3f", ErrInvalidState, s.ObjectID, s.Epoch)
	}
	if r := s.Radius(); r < MinRadius {
		return fmt.Errorf("%w: object %q position magnitude %.6g km below %.1f km", ErrInvalidState, s.ObjectID, r, MinRadius)
	}
	return nil
}

// SpecificEnergy returns v²/2 - μ/r in km²/s².
func (s State) SpecificEnergy(mu float64) float64 {
	v := s.Speed()
	return v*v/2 - mu/s.Radius()
}

// AngularMomentum returns h = r × v in km²/s.
func (s State) AngularMomentum() Vec3 {
	return s.Position.Cross(s.Velocity)
}
