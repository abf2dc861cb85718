package physics

import (
	"fmt"
	"math"

	"github.com/star/orbitsim/internal/orbit"
)

// ForceModel maps a position to the gravitational acceleration acting on an
// object. It depends only on position, so results are bit-reproducible for a
// given input and floating-point environment. Safe for concurrent use.
type ForceModel struct {
	c Constants
	// 1.5·J2·μ·Re², the r-independent factor of the J2 term.
	j2Factor float64
}

// NewForceModel validates c and returns a ForceModel.
func NewForceModel(c Constants) (*ForceModel, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &ForceModel{
		c:        c,
		j2Factor: 1.5 * c.J2 * c.Mu * c.EquatorialRadius * c.EquatorialRadius,
	}, nil
}

// Constants returns the constants the model was built with.
func (f *ForceModel) Constants() Constants {
	return f.c
}

// Acceleration returns the total acceleration (km/s²) at position r (km).
//
// Precondition: r is finite and |r| >= orbit.MinRadius. Gravity is singular at
// the origin, so violating positions return orbit.ErrInvalidState instead of
// Inf/NaN components.
func (f *ForceModel) Acceleration(r orbit.Vec3) (orbit.Vec3, error) {
	if !r.IsFinite() {
		return orbit.Vec3{}, fmt.Errorf("%w: non-finite position %v", orbit.ErrInvalidState, r)
	}
	rNorm := r.Norm()
	if rNorm < orbit.MinRadius {
		return orbit.Vec3{}, fmt.Errorf("%w: position magnitude %.6g km below %.1f km", orbit.ErrInvalidState, rNorm, orbit.MinRadius)
	}
	return f.kepler(r, rNorm).Add(f.j2(r, rNorm)), nil
}

// Kepler returns the point-mass term -μ·r/|r|³ alone.
func (f *ForceModel) Kepler(r orbit.Vec3) orbit.Vec3 {
	return f.kepler(r, r.Norm())
}

// J2 returns the oblateness correction alone.
func (f *ForceModel) J2(r orbit.Vec3) orbit.Vec3 {
	return f.j2(r, r.Norm())
}

func (f *ForceModel) kepler(r orbit.Vec3, rNorm float64) orbit.Vec3 {
	return r.Scale(-f.c.Mu / (rNorm * rNorm * rNorm))
}

func (f *ForceModel) j2(r orbit.Vec3, rNorm float64) orbit.Vec3 {
	if f.j2Factor == 0 {
		return orbit.Vec3{}
	}
	r2 := rNorm * rNorm
	k := f.j2Factor / (r2 * r2 * rNorm)
	zr := 5 * r[2] * r[2] / r2
	return orbit.Vec3{
		k * r[0] * (zr - 1),
		k * r[1] * (zr - 1),
		k * r[2] * (zr - 3),
	}
}

// CircularSpeed returns the speed (km/s) of a circular equatorial orbit of
// radius r (km), including the J2 contribution to the radial force.
func (f *ForceModel) CircularSpeed(r float64) float64 {
	re := f.c.EquatorialRadius / r
	return math.Sqrt(f.c.Mu / r * (1 + 1.5*f.c.J2*re*re))
}

// Period returns the Keplerian period (s) of an orbit with semi-major axis a (km).
func (f *ForceModel) Period(a float64) float64 {
	return 2 * math.Pi * math.Sqrt(a*a*a/f.c.Mu)
}
