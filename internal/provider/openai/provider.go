// Package openai adapts any OpenAI-compatible chat-completions backend
// (OpenAI itself, OpenRouter, vLLM, ...) to the unified provider
// contract. The wire format is line-delimited SSE; frames are decoded
// with gjson rather than a full SDK so one adapter covers every
// compatible gateway.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"relaygate/internal/domain"
	"relaygate/internal/domain/models"
	"relaygate/internal/httpclient"
	"relaygate/internal/provider"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"

	dataPrefix = "data: "
	doneMarker = "[DONE]"

	// scannerBufSize accommodates large single-frame deltas (tool blobs,
	// long reasoning chunks) without a token-too-long failure.
	scannerBufSize = 1 << 20
)

// Provider implements the provider contract for OpenAI-compatible APIs.
type Provider struct {
	name    string
	baseURL string
	apiKey  string
	client  *httpclient.Client
}

// NewProvider creates an adapter. name becomes the registry key so
// several compatible backends can coexist (openai, openrouter, ...).
func NewProvider(name, baseURL, apiKey string, shared *httpclient.Client) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s API key is required", name)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Provider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  shared,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// SupportsModel accepts any model; compatible gateways proxy arbitrary
// model catalogs, so filtering happens in the router instead.
func (p *Provider) SupportsModel(model string) bool { return model != "" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model         string          `json:"model"`
	Messages      []chatMessage   `json:"messages"`
	Stream        bool            `json:"stream"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	StreamOptions map[string]bool `json:"stream_options,omitempty"`
}

// Stream POSTs a streaming chat completion and decodes the SSE frames.
func (p *Provider) Stream(ctx context.Context, req *provider.StreamRequest) (<-chan provider.Event, error) {
	body := chatRequest{
		Model:         req.Model,
		Stream:        true,
		MaxTokens:     req.MaxTokens,
		StreamOptions: map[string]bool{"include_usage": true},
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := p.client.NewStreamRequest(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, domain.NewDispatchError(domain.KindUpstreamTransient, "upstream connect failed", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		kind := domain.ClassifyUpstreamStatus(resp.StatusCode)
		de := domain.NewDispatchError(kind,
			fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))), nil)
		de.HTTPStatus = resp.StatusCode
		return nil, de
	}

	events := make(chan provider.Event, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		usage := models.Usage{}
		sawUsage := false

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 4096), scannerBufSize)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, dataPrefix) {
				continue
			}
			data := strings.TrimPrefix(line, dataPrefix)
			if data == doneMarker {
				break
			}

			frame := gjson.Parse(data)
			if content := frame.Get("choices.0.delta.content"); content.Exists() && content.String() != "" {
				select {
				case <-ctx.Done():
					events <- provider.Event{Type: provider.EventError, Err: ctx.Err()}
					return
				case events <- provider.Event{Type: provider.EventDelta, Content: content.String()}:
				}
			}
			if u := frame.Get("usage"); u.Exists() && u.Type != gjson.Null {
				usage.InputTokens = int(u.Get("prompt_tokens").Int())
				usage.OutputTokens = int(u.Get("completion_tokens").Int())
				sawUsage = true
			}
		}

		if err := scanner.Err(); err != nil {
			events <- provider.Event{
				Type: provider.EventError,
				Err:  domain.NewDispatchError(domain.KindUpstreamTransient, "upstream stream interrupted", err),
			}
			return
		}

		if sawUsage {
			events <- provider.Event{Type: provider.EventUsage, Usage: usage}
		}
		events <- provider.Event{Type: provider.EventEnd}
	}()

	return events, nil
}
