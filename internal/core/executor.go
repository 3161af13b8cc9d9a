package core

// executor.go dispatches row batches to a sink with bounded parallelism,
// exponential-backoff retries on transient faults and circuit breaking.
// Completion is signalled by closing the batch channel, never by collecting
// futures; backpressure comes from the channel's bound.

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Strategy selects how batches are dispatched to the sink.
type Strategy int

const (
	// Sequential processes one batch fully before the next is produced.
	// Lowest memory; preserves production order.
	Sequential Strategy = iota

	// BoundedParallel fans batches out to a worker pool fed by a bounded
	// queue. The producer blocks when the queue is full. Recommended default.
	BoundedParallel

	// Reactive is externally equivalent to BoundedParallel but structured as
	// a non-blocking pipeline with an explicit concurrency limit, for sinks
	// that are themselves asynchronous.
	Reactive
)

// ParseStrategy maps a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "sequential":
		return Sequential, nil
	case "parallel", "":
		return BoundedParallel, nil
	case "reactive":
		return Reactive, nil
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}

// RetrySpec controls transient-fault retries per batch.
type RetrySpec struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// Delay returns the backoff sleep before retry n (1-based):
// initialDelay * multiplier^(n-1), capped at MaxDelay.
func (r RetrySpec) Delay(retry int) time.Duration {
	d := float64(r.InitialDelay)
	for i := 1; i < retry; i++ {
		d *= r.Multiplier
	}
	if r.MaxDelay > 0 && d > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	return time.Duration(d)
}

// Batch is a fixed-size ordered group of mapped rows dispatched as a unit.
type Batch struct {
	Seq  int
	Rows []MappedRow
}

// Sink persists one batch. Wrap the returned error with Transient to
// request a retry; any other error is permanent.
type Sink func(ctx context.Context, batch Batch) error

// Producer emits batches via the provided emit callback, which blocks when
// downstream is saturated. Producers must stop when emit returns an error.
type Producer func(ctx context.Context, emit func(Batch) error) error

// ExecResult summarizes one executor run.
type ExecResult struct {
	Processed int // rows acknowledged by the sink
	Failed    int // rows emitted but never acknowledged
	Batches   int // batches acknowledged
	Retries   int // total retry attempts across batches
	Duration  time.Duration
}

// ExecutorConfig tunes one executor run.
type ExecutorConfig struct {
	Workers     int
	Strategy    Strategy
	Retry       RetrySpec
	SinkTimeout time.Duration
	Breaker     *Breaker // optional
}

// Executor runs producers against sinks under one config.
type Executor struct {
	cfg ExecutorConfig
}

// NewExecutor builds an executor, applying defaults for zero values.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.Multiplier < 1 {
		cfg.Retry.Multiplier = 2
	}
	return &Executor{cfg: cfg}
}

// Run drives produce and sink to completion and returns counters.
// The first permanent failure cancels the run; remaining queued rows are
// counted as failed. Raw copies of unacknowledged rows stay in the previous
// phase's staging, so an interrupted run is recoverable.
func (e *Executor) Run(ctx context.Context, produce Producer, sink Sink) (ExecResult, error) {
	start := time.Now()

	var emitted, processed, batches, retries atomic.Int64

	dispatch := func(ctx context.Context, b Batch) error {
		n, err := e.dispatch(ctx, b, sink)
		retries.Add(int64(n))
		if err != nil {
			return err
		}
		processed.Add(int64(len(b.Rows)))
		batches.Add(1)
		return nil
	}

	var err error
	switch e.cfg.Strategy {
	case Sequential:
		err = produce(ctx, func(b Batch) error {
			emitted.Add(int64(len(b.Rows)))
			return dispatch(ctx, b)
		})
	case Reactive:
		err = e.runReactive(ctx, produce, dispatch, &emitted)
	default:
		err = e.runParallel(ctx, produce, dispatch, &emitted)
	}

	res := ExecResult{
		Processed: int(processed.Load()),
		Failed:    int(emitted.Load() - processed.Load()),
		Batches:   int(batches.Load()),
		Retries:   int(retries.Load()),
		Duration:  time.Since(start),
	}
	return res, err
}

// runParallel is the BoundedParallel strategy: a queue of 2x workers batches
// feeds a fixed worker pool. The producer blocks on a full queue.
func (e *Executor) runParallel(ctx context.Context, produce Producer,
	dispatch func(context.Context, Batch) error, emitted *atomic.Int64) error {

	queue := make(chan Batch, 2*e.cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		return produce(gctx, func(b Batch) error {
			emitted.Add(int64(len(b.Rows)))
			select {
			case queue <- b:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			for b := range queue {
				if err := dispatch(gctx, b); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// runReactive spawns one task per batch under an explicit concurrency limit
// instead of a fixed pool; the buffered hand-off channel provides the same
// backpressure bound as BoundedParallel.
func (e *Executor) runReactive(ctx context.Context, produce Producer,
	dispatch func(context.Context, Batch) error, emitted *atomic.Int64) error {

	queue := make(chan Batch, 2*e.cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		return produce(gctx, func(b Batch) error {
			emitted.Add(int64(len(b.Rows)))
			select {
			case queue <- b:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	g.Go(func() error {
		tasks, tctx := errgroup.WithContext(gctx)
		tasks.SetLimit(e.cfg.Workers)
		for b := range queue {
			if tctx.Err() != nil {
				break
			}
			b := b
			tasks.Go(func() error { return dispatch(tctx, b) })
		}
		return tasks.Wait()
	})

	return g.Wait()
}

// dispatch pushes one batch through the breaker and the retry loop.
// Returns the number of retries performed.
func (e *Executor) dispatch(ctx context.Context, b Batch, sink Sink) (int, error) {
	if e.cfg.Breaker != nil {
		if err := e.cfg.Breaker.Allow(); err != nil {
			return 0, err
		}
	}

	var lastErr error
	var retriesDone int
	for attempt := 1; attempt <= e.cfg.Retry.MaxAttempts; attempt++ {
		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if e.cfg.SinkTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, e.cfg.SinkTimeout)
		}
		err := sink(callCtx, b)
		cancel()

		if err == nil {
			e.record(true)
			return attempt - 1, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == e.cfg.Retry.MaxAttempts {
			retriesDone = attempt - 1
			break
		}

		select {
		case <-time.After(e.cfg.Retry.Delay(attempt)):
		case <-ctx.Done():
			e.record(false)
			return attempt - 1, ctx.Err()
		}
	}

	e.record(false)
	if IsTransient(lastErr) {
		// Exhausted retries end the phase; a later resume may still succeed.
		return retriesDone, Retryablef(CodePhaseFailed,
			"batch %d failed after %d attempts: %v", b.Seq, e.cfg.Retry.MaxAttempts, lastErr)
	}
	return retriesDone, lastErr
}

func (e *Executor) record(success bool) {
	if e.cfg.Breaker != nil {
		e.cfg.Breaker.Record(success)
	}
}
