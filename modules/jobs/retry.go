package jobs

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/guarzo/apteligent-importer/common"
	"github.com/guarzo/apteligent-importer/common/clock"
)

// BatchWorkers bounds the sub-requests a job keeps in flight.
const BatchWorkers = 16

// Unit is one sub-request of a job run. Context names it in logs.
type Unit[P any] struct {
	Context string
	Params  P
}

// Failure is a unit whose request failed with a retry-eligible error.
type Failure[P any] struct {
	Unit[P]
	Err error
}

// Op issues the request of one unit.
type Op[P any] func(ctx context.Context, params P) error

// RetryCoordinator fans the units of a run out over a bounded pool and
// re-issues the retry-eligible failures exactly once.
type RetryCoordinator[P any] struct {
	name    string
	op      Op[P]
	delay   time.Duration
	clock   clock.Clock
	log     common.Logger
	workers int
}

// NewRetryCoordinator builds a coordinator for op. The retry pass waits
// delay on clk first; zero retries right away.
func NewRetryCoordinator[P any](name string, op func(ctx context.Context, params P) error, delay time.Duration, clk clock.Clock, log common.Logger) *RetryCoordinator[P] {
	if clk == nil {
		clk = clock.Real()
	}
	return &RetryCoordinator[P]{
		name:    name,
		op:      op,
		delay:   delay,
		clock:   clk,
		log:     log,
		workers: BatchWorkers,
	}
}

// Run executes every unit, retries the eligible failures once and returns
// whatever still failed.
func (r *RetryCoordinator[P]) Run(ctx context.Context, units []Unit[P]) []Failure[P] {
	failures := r.RunBatch(ctx, units)
	if len(failures) == 0 {
		return nil
	}
	if r.delay > 0 {
		r.log.Infof("%s: waiting %s before retrying", r.name, r.delay)
		select {
		case <-ctx.Done():
			return failures
		case <-r.clock.After(r.delay):
		}
	}
	return r.Retry(ctx, failures)
}

// RunBatch executes the units on at most BatchWorkers goroutines. Failures
// that common.IsRetryable accepts are collected; the rest are logged and
// dropped.
func (r *RetryCoordinator[P]) RunBatch(ctx context.Context, units []Unit[P]) []Failure[P] {
	var (
		g        errgroup.Group
		mu       sync.Mutex
		failures []Failure[P]
	)
	g.SetLimit(r.workers)

	for i, u := range units {
		if ctx.Err() != nil {
			r.log.Warnf("%s: run cancelled, %d units not started", r.name, len(units)-i)
			break
		}
		u := u
		g.Go(func() error {
			err := r.op(ctx, u.Params)
			if err == nil {
				return nil
			}
			if !common.IsRetryable(err) {
				r.log.Errorf("%s: request failed for %s: %v", r.name, u.Context, err)
				return nil
			}
			r.log.Warnf("%s: request failed for %s, will retry: %v", r.name, u.Context, err)
			mu.Lock()
			failures = append(failures, Failure[P]{Unit: u, Err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

// Retry re-issues each failure once with its original params. Failures on
// this pass are logged at error level and returned.
func (r *RetryCoordinator[P]) Retry(ctx context.Context, failures []Failure[P]) []Failure[P] {
	r.log.Infof("%s: retrying %d failed requests", r.name, len(failures))

	var remaining []Failure[P]
	for i, f := range failures {
		if ctx.Err() != nil {
			remaining = append(remaining, failures[i:]...)
			break
		}
		if err := r.op(ctx, f.Params); err != nil {
			r.log.Errorf("%s: giving up on %s: %v", r.name, f.Context, err)
			remaining = append(remaining, Failure[P]{Unit: f.Unit, Err: err})
		}
	}

	if len(remaining) == 0 {
		r.log.Infof("%s: retry successful", r.name)
	} else {
		r.log.Errorf("%s: giving up, %d failed requests", r.name, len(remaining))
	}
	return remaining
}
