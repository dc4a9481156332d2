// Package anthropic adapts the Anthropic Messages API to the unified
// provider contract.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"relaygate/internal/domain/models"
	"relaygate/internal/httpclient"
	"relaygate/internal/provider"
)

const defaultMaxTokens = 4096

// Provider implements the provider contract for Claude models.
type Provider struct {
	client *anthropic.Client
}

// NewProvider creates an Anthropic provider on the shared HTTP client.
func NewProvider(apiKey string, shared *httpclient.Client) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(shared),
	)
	return &Provider{client: &client}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string { return "anthropic" }

// SupportsModel returns true for Claude models.
func (p *Provider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "claude-")
}

// Stream issues a streaming Messages request and decodes SDK events into
// the unified stream.
func (p *Provider) Stream(ctx context.Context, req *provider.StreamRequest) (<-chan provider.Event, error) {
	if !p.SupportsModel(req.Model) {
		return nil, fmt.Errorf("model %q is not supported by anthropic provider", req.Model)
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
	}

	// System messages move to the dedicated system field; the rest keep
	// their conversation order.
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Type: "text", Text: m.Content})
		case models.RoleUser:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case models.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}

	events := make(chan provider.Event, 16)
	go func() {
		defer close(events)

		stream := p.client.Messages.NewStreaming(ctx, params)
		message := anthropic.Message{}

		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				events <- provider.Event{Type: provider.EventError, Err: fmt.Errorf("accumulate message: %w", err)}
				return
			}

			switch e := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if text := e.Delta.Text; text != "" {
					select {
					case <-ctx.Done():
						events <- provider.Event{Type: provider.EventError, Err: ctx.Err()}
						return
					case events <- provider.Event{Type: provider.EventDelta, Content: text}:
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			events <- provider.Event{Type: provider.EventError, Err: fmt.Errorf("anthropic streaming: %w", err)}
			return
		}

		events <- provider.Event{
			Type: provider.EventUsage,
			Usage: models.Usage{
				InputTokens:  int(message.Usage.InputTokens),
				OutputTokens: int(message.Usage.OutputTokens),
			},
		}
		events <- provider.Event{Type: provider.EventEnd}
	}()

	return events, nil
}
