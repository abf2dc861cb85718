// Package transform converts propagated states between reference frames.
//
// States come out of SGP4 and the propagator in TEME (True Equator Mean
// Equinox). ECEF output uses a GMST-only rotation (TEME → PEF ≈ ECEF) that
// ignores polar motion and the equation of the equinoxes; the error is tens
// of meters. Units stay km and km/s throughout.
//
// Reference: Vallado, "Fundamentals of Astrodynamics and Applications", Ch. 3.
package transform

import (
	"fmt"
	"math"
	"time"

	"github.com/star/orbitsim/internal/orbit"
)

// Frame names an output reference frame.
type Frame string

const (
	FrameTEME     Frame = "teme"
	FrameECEF     Frame = "ecef"
	FrameGeodetic Frame = "geodetic"
)

// ParseFrame parses a frame name; empty means TEME.
func ParseFrame(s string) (Frame, error) {
	switch Frame(s) {
	case "", FrameTEME:
		return FrameTEME, nil
	case FrameECEF, FrameGeodetic:
		return Frame(s), nil
	}
	return "", fmt.Errorf("unknown frame %q (want teme, ecef or geodetic)", s)
}

// ToECEF rotates a TEME state into ECEF at the given UTC instant.
func ToECEF(s orbit.State, t time.Time) orbit.State {
	return ToECEFWithGMST(s, GMST(t))
}

// ToECEFWithGMST rotates a TEME state into ECEF using a precomputed GMST
// angle (radians).
//
//	r_ECEF = R3(θ) r_TEME
//	v_ECEF = R3(θ) v_TEME - ω × r_ECEF
func ToECEFWithGMST(s orbit.State, gmst float64) orbit.State {
	r := rotZ(s.Position, gmst)
	v := rotZ(s.Velocity, gmst).Sub(earthRate().Cross(r))
	return orbit.NewState(s.ObjectID, s.Epoch, r, v)
}

// ToTEMEWithGMST is the inverse of ToECEFWithGMST.
func ToTEMEWithGMST(s orbit.State, gmst float64) orbit.State {
	vRot := s.Velocity.Add(earthRate().Cross(s.Position))
	return orbit.NewState(s.ObjectID, s.Epoch, rotZ(s.Position, -gmst), rotZ(vRot, -gmst))
}

// rotZ applies R3(θ), the frame rotation about Z by θ.
func rotZ(v orbit.Vec3, theta float64) orbit.Vec3 {
	c, s := math.Cos(theta), math.Sin(theta)
	return orbit.Vec3{
		v[0]*c + v[1]*s,
		-v[0]*s + v[1]*c,
		v[2],
	}
}

func earthRate() orbit.Vec3 {
	return orbit.Vec3{0, 0, OmegaEarth}
}

// TrajectoryToECEF converts every state of a TEME trajectory whose epochs are
// seconds since start.
func TrajectoryToECEF(states []orbit.State, start time.Time) []orbit.State {
	out := make([]orbit.State, len(states))
	for i, s := range states {
		out[i] = ToECEF(s, EpochTime(start, s.Epoch))
	}
	return out
}

// ValidECEF reports whether an ECEF position (km) is plausible for an
// Earth-orbiting object: finite and between 6200 km and 50000 km from the
// center.
func ValidECEF(pos orbit.Vec3) bool {
	if !pos.IsFinite() {
		return false
	}
	const minRadiusKm, maxRadiusKm = 6200.0, 50000.0
	mag := pos.Norm()
	return mag >= minRadiusKm && mag <= maxRadiusKm
}
