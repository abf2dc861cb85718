// Package physics implements the force model used by the numerical propagator:
// point-mass gravity plus the J2 zonal harmonic of an oblate Earth.
package physics

import (
	"errors"
	"fmt"
	"math"
)

// WGS-84 derived constants.
const (
	EarthMu               = 398600.4418 // km³/s²
	EarthEquatorialRadius = 6378.137    // km
	EarthJ2               = 1.08263e-3  // dimensionless
)

// ErrConfiguration is returned for physically meaningless constants.
var ErrConfiguration = errors.New("invalid physical constants")

// Constants holds the gravitational parameters of the central body.
type Constants struct {
	Mu               float64 `yaml:"gravitational_parameter" json:"gravitational_parameter"` // km³/s²
	EquatorialRadius float64 `yaml:"equatorial_radius" json:"equatorial_radius"`             // km
	J2               float64 `yaml:"j2_coefficient" json:"j2_coefficient"`
}

// Earth returns the default Earth constants.
func Earth() Constants {
	return Constants{
		Mu:               EarthMu,
		EquatorialRadius: EarthEquatorialRadius,
		J2:               EarthJ2,
	}
}

// Kepler returns c with the J2 term disabled.
func (c Constants) Kepler() Constants {
	c.J2 = 0
	return c
}

// Validate checks that μ and the equatorial radius are positive and finite.
// J2 may be zero (or near zero) to disable the perturbation.
func (c Constants) Validate() error {
	if !(c.Mu > 0) || math.IsInf(c.Mu, 0) {
		return fmt.Errorf("%w: gravitational parameter must be positive, got %v", ErrConfiguration, c.Mu)
	}
	if !(c.EquatorialRadius > 0) || math.IsInf(c.EquatorialRadius, 0) {
		return fmt.Errorf("%w: equatorial radius must be positive, got %v", ErrConfiguration, c.EquatorialRadius)
	}
	if math.IsNaN(c.J2) || math.IsInf(c.J2, 0) {
		return fmt.Errorf("%w: j2 coefficient must be finite, got %v", ErrConfiguration, c.J2)
	}
	return nil
}
