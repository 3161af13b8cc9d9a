package core

// limiter.go implements ingress control for migration starts: a fixed-window
// rate limiter (starts per minute per instance) and a drain counter used for
// graceful shutdown. The limiter is the only process-wide shared object in
// the package and has explicit start/stop semantics via the Service.

import (
	"context"
	"sync"
	"time"
)

// ErrRateLimited is returned when the per-minute start budget is exhausted.
var ErrRateLimited = Retryablef(CodeRateLimited, "too many migration starts, try again later")

// StartLimiter caps migration starts per time window and tracks active runs
// so shutdown can wait for them.
type StartLimiter struct {
	mu        sync.Mutex
	enabled   bool
	rate      int
	window    time.Duration
	tokens    int
	lastReset time.Time
	active    int

	now func() time.Time
}

// NewStartLimiter allows at most rate starts per window.
// A disabled limiter admits everything but still tracks active runs.
func NewStartLimiter(enabled bool, rate int, window time.Duration) *StartLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &StartLimiter{
		enabled: enabled,
		rate:    rate,
		window:  window,
		tokens:  rate,
		now:     time.Now,
	}
}

// Acquire consumes one start token and registers an active run.
// The caller MUST call Release when the run finishes (use defer).
func (l *StartLimiter) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.enabled {
		now := l.now()
		if l.lastReset.IsZero() || now.Sub(l.lastReset) >= l.window {
			l.tokens = l.rate
			l.lastReset = now
		}
		if l.tokens <= 0 {
			return ErrRateLimited
		}
		l.tokens--
	}

	l.active++
	return nil
}

// Release unregisters one active run.
func (l *StartLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
}

// Active returns the number of in-flight migration runs.
func (l *StartLimiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// WaitForDrain blocks until all active runs complete or ctx expires.
// Used for graceful shutdown.
func (l *StartLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if l.Active() == 0 {
				return nil
			}
		}
	}
}
