// Package propagation drives the RK4 integrator across many independent
// objects. Objects do not interact, so a batch is a parallel map over the
// object collection; per-object failures never abort the batch.
package propagation

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/star/orbitsim/internal/integrator"
	"github.com/star/orbitsim/internal/metrics"
	"github.com/star/orbitsim/internal/orbit"
	"github.com/star/orbitsim/internal/physics"
)

// BatchPropagator propagates collections of initial states with a fixed
// configuration and force model. Safe for concurrent use.
type BatchPropagator struct {
	config Config
	rk4    *integrator.RK4
	pool   *WorkerPool
	logger *slog.Logger
}

// NewBatchPropagator validates the configuration and constants and builds the
// integrator. Configuration errors are returned before any work is done.
func NewBatchPropagator(config Config, constants physics.Constants, logger *slog.Logger, opts ...integrator.Option) (*BatchPropagator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	force, err := physics.NewForceModel(constants)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	rk, err := integrator.NewRK4(force, config.StepSeconds, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}

	return &BatchPropagator{
		config: config,
		rk4:    rk,
		pool:   NewWorkerPool(config.Workers, logger),
		logger: logger,
	}, nil
}

// Config returns the effective configuration (workers resolved).
func (p *BatchPropagator) Config() Config {
	return p.config
}

// Propagate advances every initial state over the configured duration and
// returns one Result per input, in input order.
//
// On cancellation, objects already finished keep StatusComplete, in-flight
// ones stop at the next check and are StatusIncomplete with the states
// computed so far, and unstarted ones are StatusIncomplete and empty.
func (p *BatchPropagator) Propagate(ctx context.Context, initial []orbit.State) *Batch {
	numSteps := p.config.NumStates() - 1

	p.logger.Debug("batch propagation starting",
		"objects", len(initial),
		"step_seconds", p.config.StepSeconds,
		"duration_seconds", p.config.DurationSeconds,
		"states_per_object", numSteps+1,
		"workers", p.config.Workers,
	)

	start := time.Now()
	results := p.pool.Run(ctx, p.rk4, initial, numSteps)
	duration := time.Since(start)

	batch := &Batch{
		Config:   p.config,
		Results:  results,
		Duration: duration,
	}

	var steps int
	for _, r := range results {
		if n := r.Trajectory.Len(); n > 1 {
			steps += n - 1
		}
	}
	metrics.RecordBatch(duration, steps, map[string]int{
		string(StatusComplete):   batch.Count(StatusComplete),
		string(StatusDiverged):   batch.Count(StatusDiverged),
		string(StatusError):      batch.Count(StatusError),
		string(StatusIncomplete): batch.Count(StatusIncomplete),
	})

	p.logger.Info("batch propagation complete",
		"objects", len(initial),
		"complete", batch.Count(StatusComplete),
		"diverged", batch.Count(StatusDiverged),
		"errors", batch.Count(StatusError),
		"incomplete", batch.Count(StatusIncomplete),
		"rk4_steps", steps,
		"duration_ms", duration.Milliseconds(),
	)

	return batch
}
