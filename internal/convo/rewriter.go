package convo

import (
	"context"
	"strings"
	"time"

	"relaygate/internal/domain/models"
	"relaygate/internal/provider"
)

// DefaultRewriteBudget bounds how long a rewrite may take before the
// builder proceeds with the original query.
const DefaultRewriteBudget = 1 * time.Second

// QueryRewriter expands an ambiguous follow-up query using prior turns,
// typically resolving pronouns ("his children" after a turn about a
// named person). The rewrite is advisory: the original query is always
// kept, and any failure means the original is used alone.
type QueryRewriter interface {
	Rewrite(ctx context.Context, original string, history []models.Turn) (string, error)
}

// NoopRewriter never rewrites. Used when the rewriter is disabled.
type NoopRewriter struct{}

func (NoopRewriter) Rewrite(context.Context, string, []models.Turn) (string, error) {
	return "", nil
}

const rewriterPrompt = `Rewrite the final user question so it is fully self-contained, resolving pronouns and references using the conversation. Reply with only the rewritten question. If the question is already self-contained, reply with an empty string.`

// LLMRewriter asks a cheap model to produce the self-contained form of
// the query.
type LLMRewriter struct {
	provider provider.Provider
	model    string
}

func NewLLMRewriter(p provider.Provider, model string) *LLMRewriter {
	return &LLMRewriter{provider: p, model: model}
}

func (r *LLMRewriter) Rewrite(ctx context.Context, original string, history []models.Turn) (string, error) {
	var sb strings.Builder
	sb.WriteString("Conversation:\n")
	for _, turn := range history {
		sb.WriteString(string(turn.Role))
		sb.WriteString(": ")
		sb.WriteString(turn.Content)
		sb.WriteByte('\n')
	}
	sb.WriteString("\nFinal user question: ")
	sb.WriteString(original)

	req := provider.StreamRequest{
		Model: r.model,
		Messages: []models.MessageEnvelope{
			{Role: models.RoleSystem, Content: rewriterPrompt},
			{Role: models.RoleUser, Content: sb.String()},
		},
		MaxTokens: 300,
	}
	events, err := r.provider.Stream(ctx, &req)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for ev := range events {
		switch ev.Type {
		case provider.EventDelta:
			out.WriteString(ev.Content)
		case provider.EventError:
			return "", ev.Err
		}
	}
	return strings.TrimSpace(out.String()), nil
}
