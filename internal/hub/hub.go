// Package hub implements the pub/sub fan-out primitive keyed by coalesce
// key: one publisher drains the upstream token stream, N subscribers each
// own a bounded FIFO queue.
//
// Slow consumers are tolerated by dropping their oldest queued events
// rather than blocking the publisher; a single consolidated dropped
// control event marks the gap for that subscriber.
package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueSize bounds each subscription's event queue.
const DefaultQueueSize = 256

// DefaultDrainGrace is how long a closed publisher lingers in the
// registry so already-queued events can drain and stragglers can still
// observe the final event.
const DefaultDrainGrace = 2 * time.Second

// Subscription is one consumer's bounded view of a publisher's stream.
// Events arrive on C in publication order, starting from the moment the
// subscription was created; earlier events are never replayed.
type Subscription struct {
	ID  string
	C   <-chan Event
	pub *Publisher

	ch      chan Event
	dropped atomic.Int64
	marked  atomic.Bool // an overflow gap is pending a dropped control event
}

// Dropped returns the cumulative count of events this subscription lost
// to queue overflow.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// TakeDroppedMark reports a pending overflow gap exactly once per gap.
// The reader calls it before forwarding each event and, when it fires,
// emits a single dropped control event carrying the cumulative count.
func (s *Subscription) TakeDroppedMark() (int64, bool) {
	if s.marked.CompareAndSwap(true, false) {
		return s.dropped.Load(), true
	}
	return 0, false
}

// Close detaches the subscription from its publisher. Safe to call after
// the publisher has closed.
func (s *Subscription) Close() {
	s.pub.unsubscribe(s.ID)
}

// Publisher broadcasts one upstream stream to all current subscriptions.
// Publish is called from the single leader goroutine; subscribe and
// unsubscribe may happen concurrently from handler goroutines.
type Publisher struct {
	Key string

	hub    *Hub
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[string]*Subscription
	closed  bool
	started bool // at least one event has been broadcast
	final   *Event
}

// Subscribe registers a new bounded-queue subscription. Subscribing to an
// already-closed publisher yields a queue holding only the final event.
func (p *Publisher) Subscribe(bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = DefaultQueueSize
	}
	sub := &Subscription{
		ID:  uuid.New().String(),
		pub: p,
		ch:  make(chan Event, bufSize),
	}
	sub.C = sub.ch

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		if p.final != nil {
			sub.ch <- *p.final
		}
		close(sub.ch)
		return sub
	}
	p.subs[sub.ID] = sub
	return sub
}

func (p *Publisher) unsubscribe(id string) {
	p.mu.Lock()
	if sub, ok := p.subs[id]; ok {
		delete(p.subs, id)
		close(sub.ch)
	}
	idle := !p.closed && !p.started && len(p.subs) == 0
	p.mu.Unlock()

	// A publisher that never broadcast anything has no Close coming to
	// reap it; drop it from the registry with its last subscriber.
	if idle {
		p.hub.removeIfIdle(p.Key, p)
	}
}

// SubscriberCount returns the number of live subscriptions. The dispatch
// leader consults it when deciding whether anyone still wants the stream.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Started reports whether any event has been broadcast yet.
func (p *Publisher) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Publish broadcasts ev to a snapshot of the current subscriptions
// without holding the registry lock across queue operations. Never
// blocks: a full subscriber queue loses its oldest event instead.
func (p *Publisher) Publish(ev Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	snapshot := make([]*Subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		snapshot = append(snapshot, sub)
	}
	p.mu.Unlock()

	for _, sub := range snapshot {
		p.offer(sub, ev)
	}
}

// offer enqueues ev on one subscription, applying the drop-oldest
// overflow policy. Only the single publisher goroutine calls this, so
// the evict-then-send sequence cannot race with another producer.
func (p *Publisher) offer(sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	// Queue full: evict the oldest event to make room and flag the gap.
	// The reader consolidates any number of consecutive evictions into
	// one dropped control event via TakeDroppedMark.
	select {
	case <-sub.ch:
		sub.dropped.Add(1)
		sub.marked.Store(true)
	default:
	}

	select {
	case sub.ch <- ev:
	default:
		sub.dropped.Add(1)
		sub.marked.Store(true)
	}
}

// Close delivers the optional final event to every subscription, closes
// their queues, and schedules the publisher's removal from the registry
// after the drain grace period.
func (p *Publisher) Close(final *Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.final = final
	subs := make([]*Subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	p.subs = make(map[string]*Subscription)
	p.mu.Unlock()

	for _, sub := range subs {
		if final != nil {
			p.offer(sub, *final)
		}
		close(sub.ch)
	}

	// Keep the registry entry alive through the drain grace so late
	// subscribers still see the final event instead of a fresh publisher.
	time.AfterFunc(p.hub.drainGrace, func() {
		p.hub.remove(p.Key, p)
	})
}

// Hub is the process-wide publisher registry, keyed by coalesce key.
type Hub struct {
	logger     *slog.Logger
	drainGrace time.Duration

	mu         sync.Mutex
	publishers map[string]*Publisher
}

// New creates a hub. grace <= 0 uses DefaultDrainGrace.
func New(grace time.Duration, logger *slog.Logger) *Hub {
	if grace <= 0 {
		grace = DefaultDrainGrace
	}
	return &Hub{
		logger:     logger,
		drainGrace: grace,
		publishers: make(map[string]*Publisher),
	}
}

// Publisher returns the publisher for key, creating it if absent.
// Idempotent per key: concurrent callers share one publisher.
func (h *Hub) Publisher(key string) *Publisher {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.publishers[key]; ok {
		return p
	}
	p := &Publisher{
		Key:    key,
		hub:    h,
		logger: h.logger,
		subs:   make(map[string]*Subscription),
	}
	h.publishers[key] = p
	return p
}

// Subscribe is a convenience wrapper: Publisher(key).Subscribe(bufSize).
func (h *Hub) Subscribe(key string, bufSize int) *Subscription {
	return h.Publisher(key).Subscribe(bufSize)
}

func (h *Hub) lookup(key string) *Publisher {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.publishers[key]
}

// SubscriberCount reports the live subscriptions on key's publisher, 0
// when the key is absent. Never creates a publisher.
func (h *Hub) SubscriberCount(key string) int {
	if p := h.lookup(key); p != nil {
		return p.SubscriberCount()
	}
	return 0
}

// Started reports whether key's publisher has broadcast any event yet.
// Never creates a publisher.
func (h *Hub) Started(key string) bool {
	if p := h.lookup(key); p != nil {
		return p.Started()
	}
	return false
}

func (h *Hub) remove(key string, p *Publisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.publishers[key] == p {
		delete(h.publishers, key)
	}
}

// removeIfIdle drops p from the registry when it is still untouched: no
// subscriptions, nothing published, not closed. Re-checked under both
// locks so a racing Subscribe or Publish keeps the entry.
func (h *Hub) removeIfIdle(key string, p *Publisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p.mu.Lock()
	idle := !p.closed && !p.started && len(p.subs) == 0
	p.mu.Unlock()
	if idle && h.publishers[key] == p {
		delete(h.publishers, key)
	}
}
