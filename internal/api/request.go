package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/star/orbitsim/internal/orbit"
	"github.com/star/orbitsim/internal/simulation"
	"github.com/star/orbitsim/internal/transform"
	"github.com/star/orbitsim/internal/validation"
)

// runRequest is the body of POST /api/v1/runs. Unset fields keep the server
// defaults. Objects come from exactly one of TLEs, States, or the loaded
// dataset (Filter/Limit).
type runRequest struct {
	Label string `json:"label"`

	StepSeconds             *float64 `json:"step_seconds"`
	DurationSeconds         *float64 `json:"duration_seconds"`
	Workers                 *int     `json:"workers"`
	J2                      *bool    `json:"j2"`
	Validate                *bool    `json:"validate"`
	Policy                  string   `json:"policy"`
	ToleranceSeconds        *float64 `json:"tolerance_seconds"`
	ReferenceCadenceSeconds *int     `json:"reference_cadence_seconds"`

	TLEs [][]string `json:"tles"`

	States []stateInput `json:"states"`
	Start  time.Time    `json:"start"`
	Frame  string       `json:"frame"`

	Filter string `json:"filter"`
	Limit  int    `json:"limit"`
}

// stateInput is one explicit initial state (km, km/s).
type stateInput struct {
	ObjectID string     `json:"object_id"`
	Position [3]float64 `json:"position_km"`
	Velocity [3]float64 `json:"velocity_km_s"`
}

type source int

const (
	sourceDataset source = iota
	sourceTLEs
	sourceStates
)

func (r runRequest) source() (source, error) {
	switch {
	case len(r.TLEs) > 0 && len(r.States) > 0:
		return 0, errors.New("give either tles or states, not both")
	case len(r.TLEs) > 0:
		return sourceTLEs, nil
	case len(r.States) > 0:
		return sourceStates, nil
	}
	return sourceDataset, nil
}

// config applies the request overrides to defaults and validates the result.
func (r runRequest) config(defaults simulation.Config, limits Limits) (simulation.Config, error) {
	cfg := defaults
	if r.StepSeconds != nil {
		cfg.Propagation.StepSeconds = *r.StepSeconds
	}
	if r.DurationSeconds != nil {
		cfg.Propagation.DurationSeconds = *r.DurationSeconds
	}
	if r.Workers != nil {
		if *r.Workers < 1 || *r.Workers > limits.MaxWorkers {
			return cfg, fmt.Errorf("workers must be 1-%d, got %d", limits.MaxWorkers, *r.Workers)
		}
		cfg.Propagation.Workers = *r.Workers
	}
	if r.J2 != nil && !*r.J2 {
		cfg.Constants = cfg.Constants.Kepler()
	}
	if r.Validate != nil {
		cfg.ValidateReference = *r.Validate
	}
	if r.Policy != "" {
		p, err := validation.ParsePolicy(r.Policy)
		if err != nil {
			return cfg, err
		}
		cfg.Alignment.Policy = p
	}
	if r.ToleranceSeconds != nil {
		cfg.Alignment.Tolerance = *r.ToleranceSeconds
	}
	if r.ReferenceCadenceSeconds != nil {
		cfg.ReferenceCadence = time.Duration(*r.ReferenceCadenceSeconds) * time.Second
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// initialStates converts explicit states to TEME. ECEF input is rotated at
// start.
func (r runRequest) initialStates(start time.Time) ([]orbit.State, error) {
	frame, err := transform.ParseFrame(r.Frame)
	if err != nil {
		return nil, err
	}
	if frame == transform.FrameGeodetic {
		return nil, errors.New("explicit states must be given in teme or ecef")
	}

	gmst := transform.GMST(start)
	states := make([]orbit.State, len(r.States))
	seen := make(map[string]bool, len(r.States))
	for i, in := range r.States {
		id := in.ObjectID
		if id == "" {
			id = fmt.Sprintf("state-%d", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate object_id %q", id)
		}
		seen[id] = true

		s := orbit.NewState(id, 0, orbit.Vec3(in.Position), orbit.Vec3(in.Velocity))
		if frame == transform.FrameECEF {
			s = transform.ToTEMEWithGMST(s, gmst)
		}
		states[i] = s
	}
	return states, nil
}
