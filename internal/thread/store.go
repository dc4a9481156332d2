// Package thread implements the in-memory, process-wide thread store.
// A thread is an opaque-ID-identified ordered list of conversation turns.
// Reads and writes are strictly separated: Get never creates, History
// never mutates, and only AppendTurn grows a thread.
package thread

import (
	"log/slog"
	"sync"

	"relaygate/internal/domain/models"
)

// DefaultMaxTurns bounds per-thread capacity. The oldest turns are
// evicted FIFO once the cap is exceeded, aligned to user/assistant pair
// boundaries so the retained window never opens on a dangling reply.
const DefaultMaxTurns = 50

// Thread holds one conversation's ordered turns. The struct is created
// once per thread ID and never replaced; AppendTurn mutates in place
// under the thread's own mutex.
type Thread struct {
	ID string

	mu    sync.Mutex
	turns []models.Turn
}

// append adds a turn and applies the capacity window.
func (t *Thread) append(turn models.Turn, maxTurns int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.turns = append(t.turns, turn)
	if len(t.turns) <= maxTurns {
		return
	}

	drop := len(t.turns) - maxTurns
	// Keep the truncation boundary on a complete user/assistant pair:
	// never let the retained window start with an assistant reply whose
	// user turn was evicted.
	for drop < len(t.turns) && t.turns[drop].Role == models.RoleAssistant {
		drop++
	}
	t.turns = t.turns[drop:]
}

// snapshot returns up to maxTurns most recent turns in chronological order.
func (t *Thread) snapshot(maxTurns int) []models.Turn {
	t.mu.Lock()
	defer t.mu.Unlock()

	turns := t.turns
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	out := make([]models.Turn, len(turns))
	copy(out, turns)
	return out
}

func (t *Thread) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.turns)
}

// Store is the process-wide thread registry. The map-level RWMutex
// guards insert/lookup only; per-turn operations serialize on the
// thread's own mutex so independent threads never contend.
type Store struct {
	maxTurns int
	logger   *slog.Logger

	mu      sync.RWMutex
	threads map[string]*Thread
}

// NewStore creates a thread store. maxTurns <= 0 uses DefaultMaxTurns.
func NewStore(maxTurns int, logger *slog.Logger) *Store {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Store{
		maxTurns: maxTurns,
		logger:   logger,
		threads:  make(map[string]*Thread),
	}
}

// Get returns the thread for id, or nil if it does not exist. Read-only;
// never creates.
func (s *Store) Get(id string) *Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threads[id]
}

// GetOrCreate returns the existing thread for id or creates it.
// Idempotent; only the write path uses it.
func (s *Store) GetOrCreate(id string) *Thread {
	s.mu.RLock()
	t := s.threads[id]
	s.mu.RUnlock()
	if t != nil {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t = s.threads[id]; t != nil {
		return t
	}
	t = &Thread{ID: id}
	s.threads[id] = t
	s.logger.Debug("thread created", "thread_id", id)
	return t
}

// AppendTurn appends a turn to the thread, creating it if needed. The
// append is visible to any subsequent History call on any goroutine once
// AppendTurn returns.
func (s *Store) AppendTurn(id string, turn models.Turn) {
	s.GetOrCreate(id).append(turn, s.maxTurns)
}

// History returns the last maxTurns turns of the thread in chronological
// order, or an empty slice when the thread is absent. Never mutates.
func (s *Store) History(id string, maxTurns int) []models.Turn {
	t := s.Get(id)
	if t == nil {
		return []models.Turn{}
	}
	return t.snapshot(maxTurns)
}

// Len returns the turn count for a thread, 0 when absent.
func (s *Store) Len(id string) int {
	t := s.Get(id)
	if t == nil {
		return 0
	}
	return t.len()
}

// Clear resets a thread's history. Explicit maintenance operation only;
// never called on the request path.
func (s *Store) Clear(id string) {
	t := s.Get(id)
	if t == nil {
		return
	}
	t.mu.Lock()
	t.turns = nil
	t.mu.Unlock()
	s.logger.Debug("thread cleared", "thread_id", id)
}
