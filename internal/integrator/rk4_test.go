package integrator

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/star/orbitsim/internal/orbit"
	"github.com/star/orbitsim/internal/physics"
)

const leoRadius = physics.EarthEquatorialRadius + 500 // 500 km altitude

func forceModel(t *testing.T, c physics.Constants) *physics.ForceModel {
	t.Helper()
	f, err := physics.NewForceModel(c)
	require.NoError(t, err)
	return f
}

func circularEquatorial(f *physics.ForceModel) orbit.State {
	return orbit.NewState("leo", 0,
		orbit.Vec3{leoRadius, 0, 0},
		orbit.Vec3{0, f.CircularSpeed(leoRadius), 0},
	)
}

func propagate(t *testing.T, rk *RK4, s orbit.State, steps int) []orbit.State {
	t.Helper()
	out := make([]orbit.State, 0, steps+1)
	out = append(out, s)
	for i := 0; i < steps; i++ {
		next, err := rk.Step(s)
		require.NoError(t, err, "step %d", i)
		out = append(out, next)
		s = next
	}
	return out
}

func TestNewRK4RejectsBadStep(t *testing.T) {
	f := forceModel(t, physics.Earth())
	for _, h := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := NewRK4(f, h)
		assert.Error(t, err, "h=%v", h)
	}
	_, err := NewRK4(nil, 1)
	assert.Error(t, err)
}

func TestStepAdvancesEpochExactly(t *testing.T) {
	f := forceModel(t, physics.Earth())
	rk, err := NewRK4(f, 0.25)
	require.NoError(t, err)

	s := circularEquatorial(f).At(100)
	next, err := rk.Step(s)
	require.NoError(t, err)

	assert.Equal(t, 100.25, next.Epoch)
	assert.Equal(t, s.ObjectID, next.ObjectID)
	assert.NotEqual(t, s.Position, next.Position)
}

// TestKeplerCircularConservation checks that with J2 disabled a circular orbit
// keeps its radius and speed within 0.1% over one full period.
func TestKeplerCircularConservation(t *testing.T) {
	f := forceModel(t, physics.Earth().Kepler())
	rk, err := NewRK4(f, 10)
	require.NoError(t, err)

	s0 := circularEquatorial(f)
	period := f.Period(leoRadius)
	steps := int(math.Ceil(period / rk.StepSize()))

	states := propagate(t, rk, s0, steps)

	r0, v0 := s0.Radius(), s0.Speed()
	e0 := s0.SpecificEnergy(physics.EarthMu)
	h0 := s0.AngularMomentum().Norm()
	for i, s := range states {
		assert.InEpsilon(t, r0, s.Radius(), 1e-3, "radius at step %d", i)
		assert.InEpsilon(t, v0, s.Speed(), 1e-3, "speed at step %d", i)
	}

	last := states[len(states)-1]
	assert.InEpsilon(t, e0, last.SpecificEnergy(physics.EarthMu), 1e-8)
	assert.InEpsilon(t, h0, last.AngularMomentum().Norm(), 1e-8)
}

// TestCircularLEOScenario runs a 500 km equatorial orbit for 5400 s at h=1 s,
// with J2 enabled, and expects the final radius within 1 km of the initial one.
func TestCircularLEOScenario(t *testing.T) {
	f := forceModel(t, physics.Earth())
	rk, err := NewRK4(f, 1)
	require.NoError(t, err)

	s := circularEquatorial(f)
	r0 := s.Radius()
	for i := 0; i < 5400; i++ {
		s, err = rk.Step(s)
		require.NoError(t, err)
	}

	assert.Equal(t, 5400.0, s.Epoch)
	assert.InDelta(t, r0, s.Radius(), 1.0)
}

// TestFourthOrderConvergence halves the step and expects the global error
// against the analytic circular solution to drop by roughly 2⁴.
func TestFourthOrderConvergence(t *testing.T) {
	f := forceModel(t, physics.Earth().Kepler())
	s0 := circularEquatorial(f)
	n := s0.Speed() / leoRadius
	const horizon = 1200.0

	errAt := func(h float64) float64 {
		rk, err := NewRK4(f, h)
		require.NoError(t, err)
		states := propagate(t, rk, s0, int(horizon/h))
		last := states[len(states)-1]
		want := orbit.Vec3{leoRadius * math.Cos(n*horizon), leoRadius * math.Sin(n*horizon), 0}
		return last.Position.Sub(want).Norm()
	}

	coarse := errAt(120)
	fine := errAt(60)
	ratio := coarse / fine
	assert.Greater(t, ratio, 12.0, "coarse=%g fine=%g", coarse, fine)
	assert.Less(t, ratio, 20.0, "coarse=%g fine=%g", coarse, fine)
}

func TestStepInvalidInput(t *testing.T) {
	f := forceModel(t, physics.Earth())
	rk, err := NewRK4(f, 1)
	require.NoError(t, err)

	_, err = rk.Step(orbit.NewState("dead", 0, orbit.Vec3{}, orbit.Vec3{0, 7, 0}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, orbit.ErrInvalidState))
	assert.False(t, errors.Is(err, ErrDiverged))
}

func TestStepDivergence(t *testing.T) {
	f := forceModel(t, physics.Earth())
	rk, err := NewRK4(f, 100)
	require.NoError(t, err)

	// Valid but deep inside the potential well: one large step explodes.
	s := orbit.NewState("blowup", 0, orbit.Vec3{2, 0, 0}, orbit.Vec3{})
	_, err = rk.Step(s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDiverged), "got %v", err)
}

func TestWithRadiusBounds(t *testing.T) {
	f := forceModel(t, physics.Earth())
	rk, err := NewRK4(f, 1, WithRadiusBounds(orbit.MinRadius, leoRadius-1))
	require.NoError(t, err)

	_, err = rk.Step(circularEquatorial(f))
	assert.ErrorIs(t, err, ErrDiverged)
}
