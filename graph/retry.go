package graph

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/dshills/rungraph/graph/store"
)

// StoreRetry bounds how the engine retries checkpoint-store operations
// before declaring the durability layer unavailable and failing the run.
// Store unavailability is never retried indefinitely.
type StoreRetry struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Must be >= 1; 1 means no retries.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff between attempts.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Zero means no cap.
	MaxDelay time.Duration
}

// DefaultStoreRetry is used when no WithStoreRetry option is given.
var DefaultStoreRetry = StoreRetry{
	MaxAttempts: 4,
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// Validate checks the retry configuration.
func (r StoreRetry) Validate() error {
	if r.MaxAttempts < 1 {
		return errors.New("store retry: MaxAttempts must be at least 1")
	}
	if r.MaxDelay > 0 && r.BaseDelay > 0 && r.MaxDelay < r.BaseDelay {
		return errors.New("store retry: MaxDelay must be >= BaseDelay")
	}
	return nil
}

// backoff computes the delay before retry attempt n (zero-based):
// min(base * 2^n, maxDelay) plus up to base of jitter to avoid
// synchronized retry storms.
func backoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security
	}
	return delay + jitter
}

// retryStore runs op under the retry policy. Contract violations from the
// store (ErrNotFound, ErrStaleCheckpoint, ErrLeaseHeld) are not
// availability failures and are returned immediately; everything else is
// retried with exponential backoff until attempts are exhausted, then
// wrapped in a *StoreError. onRetry, if non-nil, is called before each
// retry attempt.
func retryStore(ctx context.Context, policy StoreRetry, rng *rand.Rand, name string, onRetry func(), op func() error) error {
	var last error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt-1, policy.BaseDelay, policy.MaxDelay, rng)):
			}
		}
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrNotFound) ||
			errors.Is(err, store.ErrLeaseHeld) ||
			errors.Is(err, store.ErrStaleCheckpoint) ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		last = err
	}
	return &StoreError{Op: name, Cause: last}
}
