// Package coalesce deduplicates identical in-flight requests: for a given
// key, at most one caller (the leader) executes the upstream work while
// concurrent callers (followers) await the same result.
//
// Leader election rides on singleflight; the package adds the in-flight
// TTL, the follower-independent cancellation rules, and a short negative
// cache that short-circuits identical requests right after a failure.
package coalesce

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"relaygate/internal/domain"
	"relaygate/internal/domain/models"
)

// Role reports how a caller participated in a coalesced run.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

const (
	// DefaultLeaderTTL bounds the leader body. A leader still running
	// when it expires is failed with a timeout and the entry evicted.
	DefaultLeaderTTL = 30 * time.Second

	// DefaultNegativeTTL is how long a leader failure short-circuits
	// identical requests. Long enough to absorb a thundering herd on a
	// failing upstream, short enough not to pin a momentary blip.
	DefaultNegativeTTL = 2 * time.Second

	// DefaultLeaderGrace is how long a leader keeps running after its
	// last waiter leaves, so an immediate reconnect reuses the stream
	// instead of paying a fresh upstream cost.
	DefaultLeaderGrace = 500 * time.Millisecond

	negativeCacheSize = 1024
)

// LeaderFunc is the work executed at most once per key. The context it
// receives is detached from any single caller: it expires at the leader
// TTL or when every waiter has been gone past the grace period.
type LeaderFunc func(ctx context.Context) (*models.LeaderOutput, error)

// entry tracks the waiters of one in-flight key.
type entry struct {
	waiters int
	cancel  context.CancelFunc
}

// Coalescer maps request fingerprints to at-most-one in-flight leader.
type Coalescer struct {
	leaderTTL   time.Duration
	leaderGrace time.Duration
	logger      *slog.Logger

	group    singleflight.Group
	negCache *expirable.LRU[string, *domain.DispatchError]

	mu        sync.Mutex
	entries   map[string]*entry
	keepAlive func(key string) bool
}

// Option tweaks coalescer timing, mostly for tests.
type Option func(*Coalescer)

func WithLeaderTTL(d time.Duration) Option   { return func(c *Coalescer) { c.leaderTTL = d } }
func WithLeaderGrace(d time.Duration) Option { return func(c *Coalescer) { c.leaderGrace = d } }

// WithNegativeTTL rebuilds the failure cache with the given TTL.
func WithNegativeTTL(d time.Duration) Option {
	return func(c *Coalescer) {
		c.negCache = expirable.NewLRU[string, *domain.DispatchError](negativeCacheSize, nil, d)
	}
}

// New creates a coalescer with the default TTLs.
func New(logger *slog.Logger, opts ...Option) *Coalescer {
	c := &Coalescer{
		leaderTTL:   DefaultLeaderTTL,
		leaderGrace: DefaultLeaderGrace,
		logger:      logger,
		negCache:    expirable.NewLRU[string, *domain.DispatchError](negativeCacheSize, nil, DefaultNegativeTTL),
		entries:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetKeepAlive registers a hook consulted before an abandoned leader is
// cancelled. Returning true for a key keeps its leader running even with
// zero waiters; the dispatch layer uses this to cover consumers that
// follow the stream through the hub after their Run call has returned.
func (c *Coalescer) SetKeepAlive(fn func(key string) bool) {
	c.mu.Lock()
	c.keepAlive = fn
	c.mu.Unlock()
}

// Run executes fn at most once per key across all concurrent callers.
// The first caller becomes the leader; everyone else follows and receives
// the leader's output or classified failure. ctx bounds only this
// caller's wait, never the leader's execution.
func (c *Coalescer) Run(ctx context.Context, key string, fn LeaderFunc) (*models.LeaderOutput, Role, error) {
	// A failure within the negative-cache window is returned without a
	// new attempt.
	if cached, ok := c.negCache.Get(key); ok {
		return nil, RoleFollower, cached
	}

	c.addWaiter(key)
	defer c.removeWaiter(key)

	var ran atomic.Bool
	ch := c.group.DoChan(key, func() (any, error) {
		ran.Store(true)
		return c.lead(key, fn)
	})

	select {
	case res := <-ch:
		role := RoleFollower
		if ran.Load() {
			role = RoleLeader
		}
		if res.Err != nil {
			return nil, role, res.Err
		}
		return res.Val.(*models.LeaderOutput), role, nil
	case <-ctx.Done():
		// This waiter gives up; the leader keeps running for anyone
		// else, through the grace window, and for as long as the
		// keep-alive hook reports consumers on the key.
		role := RoleFollower
		if ran.Load() {
			role = RoleLeader
		}
		if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
			return nil, role, domain.Timeoutf("timed out waiting for in-flight request")
		}
		return nil, role, domain.NewDispatchError(domain.KindCancelled, "caller gave up waiting for in-flight request", ctx.Err())
	}
}

// lead runs the leader body under a detached, TTL-bounded context and
// maintains the negative cache on failure.
func (c *Coalescer) lead(key string, fn LeaderFunc) (*models.LeaderOutput, error) {
	leaderCtx, cancel := context.WithTimeout(context.Background(), c.leaderTTL)
	defer cancel()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.cancel = cancel
	}
	c.mu.Unlock()

	out, err := fn(leaderCtx)
	if err != nil {
		de := domain.AsDispatchError(err)
		if leaderCtx.Err() == context.DeadlineExceeded {
			de = domain.NewDispatchError(domain.KindTimeout, "leader exceeded in-flight TTL", err)
		}
		// Cancellation means nobody wanted the result; caching it would
		// fail unrelated future requests for no reason.
		if de.Kind != domain.KindCancelled {
			c.negCache.Add(key, de)
		}
		c.logger.Warn("coalesce leader failed", "key", key, "kind", string(de.Kind), "error", err)
		return nil, de
	}
	return out, nil
}

func (c *Coalescer) addWaiter(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	e.waiters++
}

func (c *Coalescer) removeWaiter(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.waiters--
	lastOut := e.waiters <= 0
	c.mu.Unlock()

	if !lastOut {
		return
	}
	c.scheduleReap(key, e)
}

// scheduleReap arms the grace timer for a key whose last waiter has
// left. The leader is cancelled only once no new waiter has arrived and
// the keep-alive hook reports no remaining consumers; while consumers
// persist the check re-arms itself one grace interval at a time.
func (c *Coalescer) scheduleReap(key string, e *entry) {
	time.AfterFunc(c.leaderGrace, func() {
		c.mu.Lock()
		cur, ok := c.entries[key]
		if !ok || cur != e || e.waiters > 0 {
			c.mu.Unlock()
			return
		}
		keep := c.keepAlive
		c.mu.Unlock()

		if keep != nil && keep(key) {
			c.scheduleReap(key, e)
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		cur, ok = c.entries[key]
		if !ok || cur != e || e.waiters > 0 {
			return
		}
		delete(c.entries, key)
		if e.cancel != nil {
			e.cancel()
		}
	})
}
