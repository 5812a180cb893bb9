package graph

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewLimiterRejectsBadCap(t *testing.T) {
	for _, cap := range []int{0, -1, -100} {
		if _, err := NewLimiter(cap); !errors.Is(err, ErrConcurrencyConfig) {
			t.Errorf("NewLimiter(%d) err = %v, want ErrConcurrencyConfig", cap, err)
		}
	}
}

func TestLimiterCapsConcurrency(t *testing.T) {
	for _, cap := range []int{1, 2, 4} {
		lim, err := NewLimiter(cap)
		if err != nil {
			t.Fatalf("NewLimiter(%d): %v", cap, err)
		}

		var inflight, peak int64
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = lim.Do(context.Background(), func() error {
					n := atomic.AddInt64(&inflight, 1)
					for {
						p := atomic.LoadInt64(&peak)
						if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					atomic.AddInt64(&inflight, -1)
					return nil
				})
			}()
		}
		wg.Wait()

		if got := atomic.LoadInt64(&peak); got > int64(cap) {
			t.Errorf("cap %d: observed %d concurrent executions", cap, got)
		}
	}
}

func TestNilLimiterIsUnbounded(t *testing.T) {
	var lim *Limiter
	if lim.Cap() != 0 {
		t.Errorf("nil limiter cap = %d, want 0", lim.Cap())
	}
	var ran bool
	if err := lim.Do(context.Background(), func() error { ran = true; return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ran {
		t.Error("fn did not run under nil limiter")
	}
}

func TestLimiterAcquireHonorsContext(t *testing.T) {
	lim, err := NewLimiter(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := lim.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer lim.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := lim.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire err = %v, want DeadlineExceeded", err)
	}
}

func TestLimiterDoReleasesOnError(t *testing.T) {
	lim, err := NewLimiter(1)
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	if err := lim.Do(context.Background(), func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Do err = %v, want boom", err)
	}
	// Slot must be free again.
	done := make(chan struct{})
	go func() {
		_ = lim.Do(context.Background(), func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("slot leaked after error")
	}
}
