package graph

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/dshills/rungraph/graph/store"
)

var fastRetry = StoreRetry{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestStoreRetryValidate(t *testing.T) {
	if err := DefaultStoreRetry.Validate(); err != nil {
		t.Errorf("default policy invalid: %v", err)
	}
	if err := (StoreRetry{MaxAttempts: 0}).Validate(); err == nil {
		t.Error("MaxAttempts 0 accepted")
	}
	if err := (StoreRetry{MaxAttempts: 1, BaseDelay: time.Second, MaxDelay: time.Millisecond}).Validate(); err == nil {
		t.Error("MaxDelay < BaseDelay accepted")
	}
}

func TestRetryStoreEventualSuccess(t *testing.T) {
	attempts := 0
	err := retryStore(context.Background(), fastRetry, rand.New(rand.NewSource(1)), "op", nil, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retryStore: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryStoreExhaustion(t *testing.T) {
	attempts := 0
	retried := 0
	err := retryStore(context.Background(), fastRetry, nil, "put checkpoint", func() { retried++ }, func() error {
		attempts++
		return errors.New("down")
	})
	var serr *StoreError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want *StoreError", err)
	}
	if serr.Op != "put checkpoint" {
		t.Errorf("op = %q", serr.Op)
	}
	if attempts != fastRetry.MaxAttempts {
		t.Errorf("attempts = %d, want %d", attempts, fastRetry.MaxAttempts)
	}
	if retried != fastRetry.MaxAttempts-1 {
		t.Errorf("onRetry calls = %d, want %d", retried, fastRetry.MaxAttempts-1)
	}
}

func TestRetryStoreContractErrorsNotRetried(t *testing.T) {
	for _, sentinel := range []error{store.ErrNotFound, store.ErrLeaseHeld, store.ErrStaleCheckpoint} {
		attempts := 0
		err := retryStore(context.Background(), fastRetry, nil, "op", nil, func() error {
			attempts++
			return sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Errorf("err = %v, want %v", err, sentinel)
		}
		if attempts != 1 {
			t.Errorf("%v retried %d times", sentinel, attempts)
		}
	}
}

func TestRetryStoreHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retryStore(ctx, fastRetry, nil, "op", nil, func() error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	base := 10 * time.Millisecond
	maxDelay := 40 * time.Millisecond
	prevMax := time.Duration(0)
	for attempt := 0; attempt < 6; attempt++ {
		d := backoff(attempt, base, maxDelay, rng)
		if d > maxDelay+base {
			t.Errorf("attempt %d: delay %v exceeds cap+jitter", attempt, d)
		}
		if d > prevMax {
			prevMax = d
		}
	}
	if prevMax < base {
		t.Errorf("backoff never reached base delay: %v", prevMax)
	}
	if got := backoff(3, 0, maxDelay, rng); got != 0 {
		t.Errorf("zero base delay = %v, want 0", got)
	}
}
