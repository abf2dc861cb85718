package propagation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/star/orbitsim/internal/integrator"
	"github.com/star/orbitsim/internal/orbit"
)

const (
	// cancelCheckInterval is how many RK4 steps run between context checks.
	cancelCheckInterval = 64
	// maxPrealloc caps the states reserved up front for one trajectory.
	maxPrealloc = 1 << 16
)

// propagateJob is a unit of work for the worker pool.
type propagateJob struct {
	index int
	state orbit.State
}

// WorkerPool manages a fixed number of goroutines for parallel propagation.
type WorkerPool struct {
	workers int
	logger  *slog.Logger
}

// NewWorkerPool creates a worker pool with the given number of workers.
func NewWorkerPool(workers int, logger *slog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		workers: workers,
		logger:  logger,
	}
}

// Run propagates every initial state for numSteps steps of rk.
// The returned slice is indexed like initial. Objects never picked up because
// ctx was canceled are reported as StatusIncomplete with an empty trajectory.
func (wp *WorkerPool) Run(ctx context.Context, rk *integrator.RK4, initial []orbit.State, numSteps int) []Result {
	out := make([]Result, len(initial))
	for i, s := range initial {
		out[i] = Result{
			Index:    i,
			ObjectID: s.ObjectID,
			Status:   StatusIncomplete,
			Err:      context.Canceled,
		}
	}
	if len(initial) == 0 {
		return out
	}

	jobs := make(chan propagateJob, wp.workers*2)
	results := make(chan Result, wp.workers*2)

	// Start workers. Results are always delivered: the collector drains
	// results until every worker has exited.
	var wg sync.WaitGroup
	for i := 0; i < wp.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				results <- propagateObject(ctx, rk, job, numSteps)
			}
		}()
	}

	// Feed jobs in a goroutine.
	go func() {
		defer close(jobs)
		for i, s := range initial {
			select {
			case jobs <- propagateJob{index: i, state: s}:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Close results when all workers are done.
	go func() {
		wg.Wait()
		close(results)
	}()

	for result := range results {
		if result.Status != StatusComplete {
			wp.logger.Warn("object propagation not complete",
				"object_id", result.ObjectID,
				"status", string(result.Status),
				"states", result.Trajectory.Len(),
				"error", result.Err,
			)
		}
		out[result.Index] = result
	}
	if err := ctx.Err(); err != nil {
		for i := range out {
			if out[i].Status == StatusIncomplete {
				out[i].Err = err
			}
		}
	}
	return out
}

// propagateObject integrates one object from its initial state. It never
// panics on bad input: failures become a Result status.
func propagateObject(ctx context.Context, rk *integrator.RK4, job propagateJob, numSteps int) Result {
	start := time.Now()
	s0 := job.state
	res := Result{Index: job.index, ObjectID: s0.ObjectID}

	if err := s0.Validate(); err != nil {
		res.Status = StatusError
		res.Err = err
		res.Trajectory = orbit.NewBuilder(s0.ObjectID, 0).Build()
		res.Duration = time.Since(start)
		return res
	}

	b := orbit.NewBuilder(s0.ObjectID, min(numSteps+1, maxPrealloc))
	_ = b.Append(s0)

	h := rk.StepSize()
	s := s0
	res.Status = StatusComplete
	for k := 1; k <= numSteps; k++ {
		if k%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				res.Status = StatusIncomplete
				res.Err = err
				break
			}
		}

		next, err := rk.Step(s)
		if err != nil {
			res.Status = StatusDiverged
			if !errors.Is(err, integrator.ErrDiverged) {
				err = fmt.Errorf("%w: %w", integrator.ErrDiverged, err)
			}
			res.Err = err
			break
		}
		// Re-stamp from the step index so epochs do not accumulate rounding.
		next = next.At(s0.Epoch + float64(k)*h)
		if err := b.Append(next); err != nil {
			res.Status = StatusDiverged
			res.Err = fmt.Errorf("%w: %w", integrator.ErrDiverged, err)
			break
		}
		s = next
	}

	res.Trajectory = b.Build()
	res.Duration = time.Since(start)
	return res
}
