package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"relaygate/internal/domain/models"
)

// keyInput is the canonical encoding hashed into a coalesce key. Field
// order is fixed by the struct, so logically identical requests encode
// byte-identically.
type keyInput struct {
	OrgID    string                   `json:"org_id"`
	ThreadID string                   `json:"thread_id"`
	Provider string                   `json:"provider"`
	Model    string                   `json:"model"`
	Messages []models.MessageEnvelope `json:"messages"`
}

// CoalesceKey fingerprints a fully built request. Equal keys mean the
// requests are semantically equivalent: same org, thread, candidate,
// and normalized conversation.
func CoalesceKey(orgID, threadID, providerName, model string, messages []models.MessageEnvelope) string {
	raw, err := json.Marshal(keyInput{
		OrgID:    orgID,
		ThreadID: threadID,
		Provider: providerName,
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		// Marshalling strings cannot fail; keep the compiler honest.
		panic(fmt.Sprintf("encode coalesce key: %v", err))
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(raw))
}
