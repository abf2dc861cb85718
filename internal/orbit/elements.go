package orbit

import "math"

// Elements holds the osculating orbital elements that matter for J2 checks.
// Angles are in radians.
type Elements struct {
	SemiMajorAxis float64 `json:"semi_major_axis_km"`
	Eccentricity  float64 `json:"eccentricity"`
	Inclination   float64 `json:"inclination_rad"`
	RAAN          float64 `json:"raan_rad"` // right ascension of the ascending node, [0, 2π)
}

// ElementsOf derives osculating elements from a Cartesian state.
// RAAN is undefined for equatorial orbits and reported as 0.
func ElementsOf(s State, mu float64) Elements {
	r := s.Radius()
	v := s.Speed()
	h := s.AngularMomentum()
	hMag := h.Norm()

	energy := v*v/2 - mu/r
	a := -mu / (2 * energy)

	// e = ((v² - μ/r) r - (r·v) v) / μ
	rv := s.Position.Dot(s.Velocity)
	eVec := s.Position.Scale(v*v - mu/r).Sub(s.Velocity.Scale(rv)).Scale(1 / mu)

	el := Elements{
		SemiMajorAxis: a,
		Eccentricity:  eVec.Norm(),
	}
	if hMag == 0 {
		return el
	}
	el.Inclination = math.Acos(clamp(h[2]/hMag, -1, 1))

	// Node vector n = k × h.
	n := Vec3{-h[1], h[0], 0}
	if n.Norm() < 1e-12*hMag {
		return el
	}
	raan := math.Atan2(n[1], n[0])
	if raan < 0 {
		raan += 2 * math.Pi
	}
	el.RAAN = raan
	return el
}

// WrapAngle maps an angle difference into (-π, π].
func WrapAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a <= -math.Pi {
		a += 2 * math.Pi
	} else if a > math.Pi {
		a -= 2 * math.Pi
	}
	return a
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
