package validation

import (
	"fmt"

	"github.com/star/orbitsim/internal/orbit"
)

// ErrorReport describes how far one computed trajectory is from its reference.
type ErrorReport struct {
	ObjectID string `json:"object_id"`
	// Samples is the number of computed epochs that were compared.
	Samples int `json:"samples"`
	// Skipped counts computed epochs the reference could not cover.
	Skipped int     `json:"skipped"`
	Start   float64 `json:"start_seconds"`
	End     float64 `json:"end_seconds"`

	Position Stats `json:"position_error_km"`
	Velocity Stats `json:"velocity_error_km_s"`

	// FinalPosition is the position error at End.
	FinalPosition float64 `json:"final_position_error_km"`
}

// Within reports whether the mean errors are inside target.
func (r ErrorReport) Within(t Target) bool {
	return r.Samples > 0 && r.Position.Mean < t.MeanPositionKm && r.Velocity.Mean < t.MeanVelocityKmS
}

// Compare pairs every computed state with a reference state at the same epoch
// and returns error statistics. Computed epochs the reference cannot cover are
// skipped; if none can be covered, or the trajectories belong to different
// objects, Compare returns ErrAlignment. Neither trajectory is modified.
func Compare(computed, reference orbit.Trajectory, opts Options) (ErrorReport, error) {
	if opts.Policy == "" {
		opts.Policy = PolicyLinear
	}
	if err := opts.Validate(); err != nil {
		return ErrorReport{}, err
	}

	report := ErrorReport{ObjectID: computed.ObjectID()}
	if computed.ObjectID() != reference.ObjectID() {
		return report, fmt.Errorf("%w: computed object %q compared with reference object %q",
			ErrAlignment, computed.ObjectID(), reference.ObjectID())
	}
	if computed.Len() == 0 || reference.Len() == 0 {
		return report, fmt.Errorf("%w: object %q has %d computed and %d reference states",
			ErrAlignment, computed.ObjectID(), computed.Len(), reference.Len())
	}

	posErr := make([]float64, 0, computed.Len())
	velErr := make([]float64, 0, computed.Len())
	for i := 0; i < computed.Len(); i++ {
		c := computed.At(i)
		r, ok := Sample(reference, c.Epoch, opts)
		if !ok {
			report.Skipped++
			continue
		}
		if len(posErr) == 0 {
			report.Start = c.Epoch
		}
		report.End = c.Epoch
		posErr = append(posErr, c.Position.Sub(r.Position).Norm())
		velErr = append(velErr, c.Velocity.Sub(r.Velocity).Norm())
	}

	if len(posErr) == 0 {
		cs, ce := computed.Span()
		rs, re := reference.Span()
		return report, fmt.Errorf("%w: object %q computed [%.3f, %.3f] s, reference [%.3f, %.3f] s",
			ErrAlignment, computed.ObjectID(), cs, ce, rs, re)
	}

	report.Samples = len(posErr)
	report.FinalPosition = posErr[len(posErr)-1]
	report.Position = newStats(posErr)
	report.Velocity = newStats(velErr)
	return report, nil
}
