// Package provider defines the unified streaming contract every upstream
// model backend implements. The dispatch pipeline, hub, and handlers work
// exclusively with these types and never see a provider's wire format.
package provider

import (
	"context"

	"relaygate/internal/domain/models"
)

// EventType discriminates the unified stream events.
type EventType string

const (
	// EventDelta carries an incremental content fragment. Concatenating
	// all delta contents in order yields the final assistant text.
	EventDelta EventType = "delta"

	// EventUsage carries provider token accounting; emitted at most once.
	EventUsage EventType = "usage"

	// EventEnd marks normal stream completion.
	EventEnd EventType = "end"

	// EventError carries a terminal upstream failure.
	EventError EventType = "error"
)

// Event is one element of a provider's decoded token stream.
type Event struct {
	Type    EventType
	Content string       // delta only
	Usage   models.Usage // usage only
	Status  int          // error only; upstream HTTP status when known
	Err     error        // error only
}

// StreamRequest is the provider-bound request. Messages are the fully
// built context; the adapter translates them into its native format.
type StreamRequest struct {
	Model     string
	Messages  []models.MessageEnvelope
	MaxTokens int
}

// Provider is the adapter interface for one upstream backend.
//
// Stream must use the shared HTTP client, set streaming mode on the
// upstream request where applicable, decode the native framing into
// Events, and emit at least one event before the request deadline. The
// returned channel is closed by the adapter when the stream ends, errors,
// or ctx is cancelled.
type Provider interface {
	Name() string
	SupportsModel(model string) bool
	Stream(ctx context.Context, req *StreamRequest) (<-chan Event, error)
}
