package graph

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter caps the number of simultaneously executing branch invocations
// within one fan-out region. Slots are granted in arrival order (the
// underlying weighted semaphore is FIFO), so no branch is starved beyond
// what earlier arrivals require.
//
// A nil *Limiter is valid and unbounded; all methods are nil-safe. The
// engine uses a nil limiter for regions with no declared cap.
type Limiter struct {
	sem *semaphore.Weighted
	cap int
}

// NewLimiter returns a Limiter with the given cap. A cap below 1 is a
// configuration error and fails immediately rather than silently
// defaulting.
func NewLimiter(cap int) (*Limiter, error) {
	if cap < 1 {
		return nil, ErrConcurrencyConfig
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(cap)), cap: cap}, nil
}

// Cap returns the configured cap, or 0 for an unbounded (nil) limiter.
func (l *Limiter) Cap() int {
	if l == nil {
		return 0
	}
	return l.cap
}

// Acquire blocks until a slot is free or ctx is done. Every successful
// Acquire must be paired with Release; prefer Do for scoped acquisition.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil {
		return ctx.Err()
	}
	return l.sem.Acquire(ctx, 1)
}

// Release frees a slot obtained by Acquire.
func (l *Limiter) Release() {
	if l == nil {
		return
	}
	l.sem.Release(1)
}

// Do runs fn while holding a slot. The slot is released on success,
// failure, or panic, so cancellation of a branch can never leak a slot.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
