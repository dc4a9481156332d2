package models

import "time"

// Role identifies the author of a turn or message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Turn is a single entry in a thread's conversation history.
// Turns are immutable after append.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageEnvelope is the provider-bound message shape. It is decoupled
// from Turn so system and memory messages can be injected into the
// outbound context without polluting the thread itself.
type MessageEnvelope struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage holds normalized token counts reported by a provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ProviderMeta carries per-request upstream timing and accounting.
// Surfaced to clients in the meta SSE event and the non-streaming envelope.
type ProviderMeta struct {
	Usage       Usage  `json:"usage"`
	TTFTMs      int64  `json:"ttft_ms"`
	QueueWaitMs int64  `json:"queue_wait_ms"`
	Retries     int    `json:"retries"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
}

// LeaderOutput is what a coalesced leader produces and every follower
// observes. FinalContent is the fully accumulated assistant text.
type LeaderOutput struct {
	FinalContent string       `json:"final_content"`
	FinalHash    string       `json:"final_hash"`
	ProviderMeta ProviderMeta `json:"provider_meta"`
	TotalMs      int64        `json:"total_ms"`
}
