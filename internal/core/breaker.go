package core

// breaker.go implements the sink circuit breaker: a sliding window over the
// outcomes of the last N batches. When the failure rate in a full window
// meets the threshold the breaker opens and batches fast-fail with
// CIRCUIT_OPEN; after the open duration a single trial batch decides between
// closing and re-opening.

import (
	"sync"
	"time"
)

// BreakerState is the current mode of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrCircuitOpen is returned by Allow while the breaker rejects batches.
// It is retryable from the caller's point of view (after the open duration).
var ErrCircuitOpen = Retryablef(CodeCircuitOpen, "circuit breaker is open")

// Breaker is a sliding-window circuit breaker. Safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	window    []bool // true = failure
	idx       int
	filled    int
	threshold float64

	state        BreakerState
	openedAt     time.Time
	openDuration time.Duration
	trialActive  bool

	now func() time.Time
}

// NewBreaker builds a breaker over the last windowSize batch outcomes.
func NewBreaker(windowSize int, failureRateThreshold float64, openDuration time.Duration) *Breaker {
	if windowSize <= 0 {
		windowSize = 10
	}
	return &Breaker{
		window:       make([]bool, windowSize),
		threshold:    failureRateThreshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// Allow reports whether a batch may be dispatched. While open it returns
// ErrCircuitOpen until the open duration elapses, then admits exactly one
// trial batch (half-open).
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.openDuration {
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.trialActive = true
		return nil
	default: // half-open
		if b.trialActive {
			return ErrCircuitOpen
		}
		b.trialActive = true
		return nil
	}
}

// Record feeds one batch outcome back into the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.trialActive = false
		if success {
			b.reset()
		} else {
			b.trip()
		}
		return
	}

	b.window[b.idx] = !success
	b.idx = (b.idx + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}

	if b.state == BreakerClosed && b.filled == len(b.window) {
		failures := 0
		for _, failed := range b.window {
			if failed {
				failures++
			}
		}
		if float64(failures)/float64(len(b.window)) >= b.threshold {
			b.trip()
		}
	}
}

// State returns the current breaker mode.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	for i := range b.window {
		b.window[i] = false
	}
	b.idx, b.filled = 0, 0
}

func (b *Breaker) reset() {
	b.state = BreakerClosed
	for i := range b.window {
		b.window[i] = false
	}
	b.idx, b.filled = 0, 0
}
