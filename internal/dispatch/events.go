package dispatch

import (
	"relaygate/internal/domain"
	"relaygate/internal/domain/models"
)

// MetaPayload is broadcast once, on the first upstream byte.
type MetaPayload struct {
	TTFTMs      int64  `json:"ttft_ms"`
	QueueWaitMs int64  `json:"queue_wait_ms"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
}

// DeltaPayload carries one content fragment. Concatenating every
// fragment in order reproduces the final assistant text.
type DeltaPayload struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// DroppedPayload marks a subscriber-side queue overflow gap.
type DroppedPayload struct {
	Count int64 `json:"count"`
}

// DonePayload closes a successful stream.
type DonePayload struct {
	TotalMs   int64        `json:"total_ms"`
	FinalHash string       `json:"final_hash"`
	Usage     models.Usage `json:"usage"`
}

// ErrorPayload closes a failed stream.
type ErrorPayload struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	Retryable    bool   `json:"retryable"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// NewErrorPayload shapes a classified dispatch failure for the wire.
func NewErrorPayload(de *domain.DispatchError) ErrorPayload {
	return ErrorPayload{
		Kind:         string(de.Kind),
		Message:      de.Message,
		Retryable:    de.Retryable,
		RetryAfterMs: de.RetryAfter.Milliseconds(),
	}
}
