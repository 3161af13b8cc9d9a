package core

import (
	"context"
	"testing"
	"time"
)

// ----------------------------------------------------------------------------
// Rate Limiting Tests
// ----------------------------------------------------------------------------

func TestStartLimiterRate(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	l := NewStartLimiter(true, 2, time.Minute)
	l.now = clock.now

	if err := l.Acquire(); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := l.Acquire(); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if err := l.Acquire(); err == nil {
		t.Fatal("third acquire in the window should be rejected")
	} else if CodeOf(err) != CodeRateLimited {
		t.Errorf("code = %s, want RATE_LIMITED", CodeOf(err))
	}

	// The window resets and tokens refill.
	clock.advance(61 * time.Second)
	if err := l.Acquire(); err != nil {
		t.Fatalf("acquire after window reset: %v", err)
	}
}

func TestStartLimiterDisabled(t *testing.T) {
	l := NewStartLimiter(false, 1, time.Minute)

	// Disabled limiter admits everything but still counts active runs.
	for i := 0; i < 5; i++ {
		if err := l.Acquire(); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if l.Active() != 5 {
		t.Errorf("Active = %d, want 5", l.Active())
	}
}

// ----------------------------------------------------------------------------
// Drain Tests
// ----------------------------------------------------------------------------

func TestStartLimiterDrain(t *testing.T) {
	l := NewStartLimiter(false, 0, time.Minute)

	if err := l.Acquire(); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire(); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- l.WaitForDrain(ctx)
	}()

	l.Release()
	l.Release()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForDrain: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForDrain did not return after all runs released")
	}

	if l.Active() != 0 {
		t.Errorf("Active = %d, want 0", l.Active())
	}
}

func TestStartLimiterDrainTimeout(t *testing.T) {
	l := NewStartLimiter(false, 0, time.Minute)
	if err := l.Acquire(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if err := l.WaitForDrain(ctx); err == nil {
		t.Fatal("WaitForDrain should time out while a run is active")
	}
}
