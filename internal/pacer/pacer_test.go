package pacer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"relaygate/internal/domain"
)

func newTestPacer(limits map[string]Limits) *Pacer {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(limits, logger)
}

func TestAcquireImmediateUnderCapacity(t *testing.T) {
	p := newTestPacer(map[string]Limits{
		"p1": {RPS: 100, Burst: 10, Concurrency: 10},
	})

	permit, err := p.Acquire(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer permit.Release()

	if permit.QueueWait > 50*time.Millisecond {
		t.Errorf("queue wait %v under no contention, want ~0", permit.QueueWait)
	}
}

func TestRateSpacing(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	// rps=10, burst=1: 5 sequential acquisitions should spread ~100ms apart.
	p := newTestPacer(map[string]Limits{
		"p1": {RPS: 10, Burst: 1, Concurrency: 1},
	})

	start := time.Now()
	var waits []time.Duration
	for i := 0; i < 5; i++ {
		permit, err := p.Acquire(context.Background(), "p1")
		if err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		waits = append(waits, time.Since(start))
		permit.Release()
	}

	// The 5th acquisition cannot land before 4 refill intervals.
	if waits[4] < 350*time.Millisecond {
		t.Errorf("5th acquire at %v, want >= ~400ms", waits[4])
	}
	if waits[0] > 50*time.Millisecond {
		t.Errorf("1st acquire waited %v, want ~0", waits[0])
	}
}

func TestConcurrencyLimit(t *testing.T) {
	p := newTestPacer(map[string]Limits{
		"p1": {RPS: 1000, Burst: 1000, Concurrency: 2},
	})

	a, err := p.Acquire(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	b, err := p.Acquire(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}

	// Third acquisition must block until a slot frees.
	acquired := make(chan *Permit, 1)
	go func() {
		c, err := p.Acquire(context.Background(), "p1")
		if err == nil {
			acquired <- c
		}
	}()

	select {
	case <-acquired:
		t.Fatalf("third acquire succeeded with concurrency=2 saturated")
	case <-time.After(100 * time.Millisecond):
	}

	a.Release()
	select {
	case c := <-acquired:
		c.Release()
	case <-time.After(time.Second):
		t.Fatalf("third acquire did not proceed after release")
	}
	b.Release()
}

func TestAcquireTimeoutIsRateLimited(t *testing.T) {
	p := newTestPacer(map[string]Limits{
		"p1": {RPS: 1000, Burst: 1000, Concurrency: 1},
	})

	permit, err := p.Acquire(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer permit.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx, "p1")
	if err == nil {
		t.Fatalf("expected admission timeout")
	}
	var de *domain.DispatchError
	if !errors.As(err, &de) || de.Kind != domain.KindRateLimited {
		t.Fatalf("error = %v, want rate_limited DispatchError", err)
	}
	if !de.Retryable {
		t.Errorf("rate_limited error not marked retryable")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	p := newTestPacer(map[string]Limits{
		"p1": {RPS: 1000, Burst: 1000, Concurrency: 1},
	})

	permit, err := p.Acquire(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	permit.Release()
	permit.Release() // double release must not over-credit the semaphore

	a, err := p.Acquire(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	defer a.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx, "p1"); err == nil {
		t.Fatalf("semaphore over-credited by double release")
	}
}

func TestProvidersIsolated(t *testing.T) {
	p := newTestPacer(map[string]Limits{
		"slow": {RPS: 1000, Burst: 1000, Concurrency: 1},
	})

	a, err := p.Acquire(context.Background(), "slow")
	if err != nil {
		t.Fatalf("Acquire slow: %v", err)
	}
	defer a.Release()

	// A saturated provider must not delay another provider's bucket.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			permit, err := p.Acquire(context.Background(), "fast")
			if err != nil {
				t.Errorf("Acquire fast: %v", err)
				return
			}
			permit.Release()
		}()
	}
	wg.Wait()
}
