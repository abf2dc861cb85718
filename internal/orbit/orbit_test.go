package orbit

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMu = 398600.4418

func TestStateValidate(t *testing.T) {
	tests := []struct {
		name    string
		state   State
		wantErr bool
	}{
		{"leo", NewState("a", 0, Vec3{7000, 0, 0}, Vec3{0, 7.5, 0}), false},
		{"origin", NewState("b", 0, Vec3{}, Vec3{0, 7.5, 0}), true},
		{"near origin", NewState("c", 0, Vec3{0.1, 0.1, 0}, Vec3{0, 7.5, 0}), true},
		{"nan position", NewState("d", 0, Vec3{math.NaN(), 0, 0}, Vec3{}), true},
		{"inf velocity", NewState("e", 0, Vec3{7000, 0, 0}, Vec3{math.Inf(1), 0, 0}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.state.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidState), "error %v should wrap ErrInvalidState", err)
		})
	}
}

func TestStateAtDoesNotMutate(t *testing.T) {
	s := NewState("iss", 10, Vec3{7000, 0, 0}, Vec3{0, 7.5, 0})
	moved := s.At(20)

	assert.Equal(t, 10.0, s.Epoch)
	assert.Equal(t, 20.0, moved.Epoch)
	assert.Equal(t, s.Position, moved.Position)
}

func TestNewTrajectoryRejectsUnordered(t *testing.T) {
	states := []State{
		NewState("x", 0, Vec3{7000, 0, 0}, Vec3{}),
		NewState("x", 10, Vec3{7000, 0, 0}, Vec3{}),
		NewState("x", 10, Vec3{7000, 0, 0}, Vec3{}),
	}
	_, err := NewTrajectory("x", states)
	assert.Error(t, err)
}

func TestTrajectoryStatesIsCopy(t *testing.T) {
	traj, err := NewTrajectory("x", []State{
		NewState("x", 0, Vec3{7000, 0, 0}, Vec3{}),
		NewState("x", 1, Vec3{7001, 0, 0}, Vec3{}),
	})
	require.NoError(t, err)

	states := traj.States()
	states[0].Position[0] = 0

	assert.Equal(t, 7000.0, traj.At(0).Position[0])
}

func TestTrajectoryBracket(t *testing.T) {
	var states []State
	for i := 0; i < 5; i++ {
		states = append(states, NewState("ref", 1.5*float64(i), Vec3{7000, 0, 0}, Vec3{}))
	}
	traj, err := NewTrajectory("ref", states)
	require.NoError(t, err)

	tests := []struct {
		epoch  float64
		lo, hi int
		ok     bool
	}{
		{0, 0, 0, true},
		{1, 0, 1, true},
		{2, 1, 2, true},
		{3, 2, 2, true},
		{6, 4, 4, true},
		{-0.1, 0, 0, false},
		{6.1, 0, 0, false},
	}
	for _, tt := range tests {
		lo, hi, ok := traj.Bracket(tt.epoch)
		assert.Equal(t, tt.ok, ok, "epoch %.1f", tt.epoch)
		if tt.ok {
			assert.Equal(t, tt.lo, lo, "epoch %.1f lo", tt.epoch)
			assert.Equal(t, tt.hi, hi, "epoch %.1f hi", tt.epoch)
		}
	}
}

func TestBuilderAppend(t *testing.T) {
	b := NewBuilder("x", 3)
	require.NoError(t, b.Append(NewState("x", 0, Vec3{7000, 0, 0}, Vec3{})))
	require.NoError(t, b.Append(NewState("x", 1, Vec3{7000, 0, 0}, Vec3{})))
	assert.Error(t, b.Append(NewState("x", 1, Vec3{7000, 0, 0}, Vec3{})))

	traj := b.Build()
	assert.Equal(t, 2, traj.Len())
	assert.Equal(t, "x", traj.ObjectID())
	assert.Equal(t, 0, b.Len())

	start, end := traj.Span()
	assert.Equal(t, 0.0, start)
	assert.Equal(t, 1.0, end)
}

func TestElementsOfInclinedCircular(t *testing.T) {
	r := 6878.137
	v := math.Sqrt(testMu / r)
	inc := 45 * math.Pi / 180
	raan := 30 * math.Pi / 180

	// Ascending node on the x-axis, then rotated by RAAN about z.
	pos := Vec3{r * math.Cos(raan), r * math.Sin(raan), 0}
	vel := Vec3{
		-v * math.Cos(inc) * math.Sin(raan),
		v * math.Cos(inc) * math.Cos(raan),
		v * math.Sin(inc),
	}

	el := ElementsOf(NewState("x", 0, pos, vel), testMu)

	assert.InDelta(t, r, el.SemiMajorAxis, 1e-6)
	assert.InDelta(t, 0, el.Eccentricity, 1e-9)
	assert.InDelta(t, inc, el.Inclination, 1e-12)
	assert.InDelta(t, raan, el.RAAN, 1e-12)
}

func TestWrapAngle(t *testing.T) {
	assert.InDelta(t, -0.1, WrapAngle(2*math.Pi-0.1), 1e-12)
	assert.InDelta(t, 0.1, WrapAngle(0.1-2*math.Pi), 1e-12)
	assert.InDelta(t, math.Pi, WrapAngle(math.Pi), 1e-12)
}

func TestVec3(t *testing.T) {
	a := Vec3{1, 0, 0}
	b := Vec3{0, 1, 0}

	assert.Equal(t, Vec3{0, 0, 1}, a.Cross(b))
	assert.Equal(t, 0.0, a.Dot(b))
	assert.Equal(t, Vec3{1, 1, 0}, a.Add(b))
	assert.Equal(t, Vec3{0.5, 0.5, 0}, Lerp(a, b, 0.5))
	assert.InDelta(t, math.Sqrt2, a.Sub(b).Norm(), 1e-15)
}
