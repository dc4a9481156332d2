// Package pacer enforces per-provider admission control: a token bucket
// caps request rate and a weighted semaphore caps in-flight concurrency.
// Acquire atomically waits for both; the elapsed wait is the queue-wait
// reported in provider_meta and the queue-wait histogram.
package pacer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"relaygate/internal/domain"
)

// Limits configures one provider's bucket.
type Limits struct {
	RPS         float64
	Burst       int
	Concurrency int64
}

// DefaultLimits apply when a provider has no explicit configuration.
var DefaultLimits = Limits{RPS: 10, Burst: 20, Concurrency: 32}

// Permit is a held admission slot. Release returns the concurrency slot;
// the rate token is consumed and never returned.
type Permit struct {
	bucket    *bucket
	QueueWait time.Duration

	once sync.Once
}

// Release returns the semaphore slot. Safe to call more than once.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.bucket.sem.Release(1)
	})
}

type bucket struct {
	provider string
	limiter  *rate.Limiter
	sem      *semaphore.Weighted
}

// Pacer holds one bucket per provider.
type Pacer struct {
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
	limits  map[string]Limits
}

// New creates a pacer with per-provider limits; providers absent from
// the map fall back to DefaultLimits.
func New(limits map[string]Limits, logger *slog.Logger) *Pacer {
	return &Pacer{
		logger:  logger,
		buckets: make(map[string]*bucket),
		limits:  limits,
	}
}

func (p *Pacer) bucketFor(provider string) *bucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.buckets[provider]; ok {
		return b
	}
	lim, ok := p.limits[provider]
	if !ok {
		lim = DefaultLimits
	}
	if lim.Burst < 1 {
		lim.Burst = 1
	}
	if lim.Concurrency < 1 {
		lim.Concurrency = 1
	}
	b := &bucket{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Limit(lim.RPS), lim.Burst),
		sem:      semaphore.NewWeighted(lim.Concurrency),
	}
	p.buckets[provider] = b
	p.logger.Debug("pacer bucket created",
		"provider", provider,
		"rps", lim.RPS,
		"burst", lim.Burst,
		"concurrency", lim.Concurrency,
	)
	return b
}

// Acquire waits for a rate token and a concurrency slot for provider.
// Context expiry during either wait yields a rate_limited error carrying
// the limiter's reservation hint when one is available.
func (p *Pacer) Acquire(ctx context.Context, provider string) (*Permit, error) {
	b := p.bucketFor(provider)
	start := time.Now()

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, p.admissionError(b, err)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		b.sem.Release(1)
		return nil, p.admissionError(b, err)
	}

	return &Permit{bucket: b, QueueWait: time.Since(start)}, nil
}

func (p *Pacer) admissionError(b *bucket, cause error) error {
	de := domain.NewDispatchError(domain.KindRateLimited,
		fmt.Sprintf("pacer admission timed out for provider %s", b.provider), cause)

	// Estimate when the next token frees up so clients get a retry hint.
	if res := b.limiter.Reserve(); res.OK() {
		de.RetryAfter = res.Delay()
		res.Cancel()
	}
	return de
}
