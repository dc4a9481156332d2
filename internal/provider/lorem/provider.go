// Package lorem is a mock provider that streams lorem ipsum text.
// Used for development and tests without real API keys. Streaming pace
// varies with the model name (lorem-fast, lorem-medium, lorem-slow).
package lorem

import (
	"context"
	"fmt"
	"strings"
	"time"

	loremgen "github.com/bozaro/golorem"

	"relaygate/internal/domain/models"
	"relaygate/internal/provider"
)

// Provider generates lorem ipsum token streams.
type Provider struct {
	generator *loremgen.Lorem
}

// NewProvider creates a lorem provider.
func NewProvider() *Provider {
	return &Provider{generator: loremgen.New()}
}

// Name returns the provider name.
func (p *Provider) Name() string { return "lorem" }

// SupportsModel returns true for models prefixed "lorem-".
func (p *Provider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "lorem-")
}

// streamDelay returns the per-word pacing for a model name.
func streamDelay(model string) time.Duration {
	switch {
	case strings.Contains(model, "slow"):
		return 500 * time.Millisecond
	case strings.Contains(model, "fast"):
		return 5 * time.Millisecond
	default:
		return 50 * time.Millisecond
	}
}

// Stream emits one delta per generated word until the word budget is
// spent, then usage and end events.
func (p *Provider) Stream(ctx context.Context, req *provider.StreamRequest) (<-chan provider.Event, error) {
	if !p.SupportsModel(req.Model) {
		return nil, fmt.Errorf("model %q is not supported by lorem provider", req.Model)
	}

	words := 40
	if req.MaxTokens > 0 && req.MaxTokens < words {
		words = req.MaxTokens
	}
	delay := streamDelay(req.Model)

	inputTokens := 0
	for _, m := range req.Messages {
		inputTokens += len(strings.Fields(m.Content))
	}

	events := make(chan provider.Event, 16)
	go func() {
		defer close(events)

		sentence := strings.Fields(p.generator.Sentence(words, words))
		for i, word := range sentence {
			select {
			case <-ctx.Done():
				events <- provider.Event{Type: provider.EventError, Err: ctx.Err()}
				return
			case <-time.After(delay):
			}

			content := word
			if i < len(sentence)-1 {
				content += " "
			}
			events <- provider.Event{Type: provider.EventDelta, Content: content}
		}

		events <- provider.Event{
			Type:  provider.EventUsage,
			Usage: models.Usage{InputTokens: inputTokens, OutputTokens: len(sentence)},
		}
		events <- provider.Event{Type: provider.EventEnd}
	}()

	return events, nil
}
