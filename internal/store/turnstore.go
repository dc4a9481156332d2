// Package store persists completed turns. The dispatch core treats
// persistence as a collaborator behind the TurnStore interface: turns
// are written only by a coalesced leader after a successful response,
// and a write failure never fails the dispatch.
package store

import (
	"context"
	"time"
)

// PersistedTurn is one durable conversation turn.
type PersistedTurn struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"org_id"`
	ThreadID     string    `json:"thread_id"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TurnStore is the persistence contract for completed dispatches.
type TurnStore interface {
	// SaveTurns writes a batch atomically, assigning IDs in place.
	SaveTurns(ctx context.Context, turns []*PersistedTurn) error

	// RecentTurns returns up to limit turns for the thread, newest last.
	RecentTurns(ctx context.Context, orgID, threadID string, limit int) ([]*PersistedTurn, error)
}

// NoopTurnStore discards writes and returns no history. Used when no
// database is configured.
type NoopTurnStore struct{}

func (NoopTurnStore) SaveTurns(context.Context, []*PersistedTurn) error {
	return nil
}

func (NoopTurnStore) RecentTurns(context.Context, string, string, int) ([]*PersistedTurn, error) {
	return nil, nil
}
