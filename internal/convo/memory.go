package convo

import (
	"context"
	"sync"
)

// MemoryProvider retrieves a long-term memory snippet relevant to the
// current query. Implementations live outside the dispatch core; the
// builder only consumes the interface and tolerates any failure.
type MemoryProvider interface {
	Retrieve(ctx context.Context, orgID, threadID, query string) (string, error)
}

// NoopMemory never returns a snippet. Used when memory is disabled.
type NoopMemory struct{}

func (NoopMemory) Retrieve(context.Context, string, string, string) (string, error) {
	return "", nil
}

// StaticMemory serves fixed per-org snippets. Useful for tests and for
// orgs that pin a standing instruction block.
type StaticMemory struct {
	mu       sync.RWMutex
	snippets map[string]string
}

func NewStaticMemory() *StaticMemory {
	return &StaticMemory{snippets: make(map[string]string)}
}

func (m *StaticMemory) Set(orgID, snippet string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snippets[orgID] = snippet
}

func (m *StaticMemory) Retrieve(_ context.Context, orgID, _, _ string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snippets[orgID], nil
}
