package validation

import (
	"math"
	"sort"
)

// Stats summarizes a series of error magnitudes.
type Stats struct {
	Mean float64 `json:"mean"`
	Max  float64 `json:"max"`
	RMS  float64 `json:"rms"`
	P50  float64 `json:"p50"`
	P95  float64 `json:"p95"`
}

// newStats computes Stats over values. values is reordered.
func newStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	var sum, sumSq float64
	for _, v := range values {
		sum += v
		sumSq += v * v
	}
	n := float64(len(values))
	sort.Float64s(values)
	return Stats{
		Mean: sum / n,
		Max:  values[len(values)-1],
		RMS:  math.Sqrt(sumSq / n),
		P50:  percentile(values, 0.50),
		P95:  percentile(values, 0.95),
	}
}

// percentile returns the q-quantile of sorted values, interpolating linearly
// between closest ranks.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// Target is the accuracy a run is expected to reach against its reference.
type Target struct {
	MeanPositionKm  float64 `yaml:"mean_position_km" json:"mean_position_km"`
	MeanVelocityKmS float64 `yaml:"mean_velocity_km_s" json:"mean_velocity_km_s"`
}

// DefaultTarget is 5 km mean position error and 0.1 km/s mean velocity error.
func DefaultTarget() Target {
	return Target{MeanPositionKm: 5, MeanVelocityKmS: 0.1}
}

// Failure records an object that could not be validated.
type Failure struct {
	ObjectID string `json:"object_id"`
	Reason   string `json:"reason"`
}

// BatchReport rolls per-object reports up across a batch.
type BatchReport struct {
	Objects  []ErrorReport `json:"objects"`
	Failures []Failure     `json:"failures,omitempty"`

	// Mean-of-means and max-of-maxes over Objects.
	MeanPosition float64 `json:"mean_position_error_km"`
	MaxPosition  float64 `json:"max_position_error_km"`
	MeanVelocity float64 `json:"mean_velocity_error_km_s"`
	MaxVelocity  float64 `json:"max_velocity_error_km_s"`
	// MeanFinalPosition averages the final-epoch position errors.
	MeanFinalPosition float64 `json:"mean_final_position_error_km"`

	Target       Target `json:"target"`
	WithinTarget bool   `json:"within_target"`
}

// Aggregate builds a BatchReport from per-object reports. The reports slice is
// copied; failures are carried through unchanged.
func Aggregate(reports []ErrorReport, failures []Failure, target Target) BatchReport {
	br := BatchReport{
		Objects:  append([]ErrorReport(nil), reports...),
		Failures: append([]Failure(nil), failures...),
		Target:   target,
	}
	if len(reports) == 0 {
		return br
	}

	var sumPos, sumVel, sumFinal float64
	for _, r := range reports {
		sumPos += r.Position.Mean
		sumVel += r.Velocity.Mean
		sumFinal += r.FinalPosition
		br.MaxPosition = math.Max(br.MaxPosition, r.Position.Max)
		br.MaxVelocity = math.Max(br.MaxVelocity, r.Velocity.Max)
	}
	n := float64(len(reports))
	br.MeanPosition = sumPos / n
	br.MeanVelocity = sumVel / n
	br.MeanFinalPosition = sumFinal / n
	br.WithinTarget = br.MeanPosition < target.MeanPositionKm && br.MeanVelocity < target.MeanVelocityKmS
	return br
}
