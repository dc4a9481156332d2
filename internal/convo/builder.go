// Package convo builds the provider-bound messages array for a
// dispatch. The output is a deterministic function of the thread
// snapshot, the user message, the memory snippet, and the rewriter
// output; identical inputs yield byte-identical arrays, which is what
// makes request coalescing sound.
package convo

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"relaygate/internal/domain/models"
	"relaygate/internal/thread"
)

const (
	// DefaultSystemPrompt opens every context when no custom prompt is
	// configured.
	DefaultSystemPrompt = "You are a helpful assistant."

	// maxMemoryChars bounds the injected memory snippet.
	maxMemoryChars = 2000

	// rewriteSeparator joins the original query with its rewritten form.
	// The original always comes first and is never discarded.
	rewriteSeparator = "\n\n(Restated for clarity: "
	rewriteSuffix    = ")"

	// DefaultWindowTurns is the history window when unconfigured.
	DefaultWindowTurns = 20
)

// Builder assembles the outbound context. It reads the thread store and
// never writes to it.
type Builder struct {
	store        *thread.Store
	memory       MemoryProvider
	rewriter     QueryRewriter
	systemPrompt string
	windowTurns  int
	rewriteLimit time.Duration
	logger       *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

func WithSystemPrompt(prompt string) Option {
	return func(b *Builder) { b.systemPrompt = prompt }
}

func WithWindowTurns(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.windowTurns = n
		}
	}
}

func WithMemory(m MemoryProvider) Option {
	return func(b *Builder) { b.memory = m }
}

func WithRewriter(r QueryRewriter) Option {
	return func(b *Builder) { b.rewriter = r }
}

func WithRewriteBudget(d time.Duration) Option {
	return func(b *Builder) {
		if d > 0 {
			b.rewriteLimit = d
		}
	}
}

func NewBuilder(store *thread.Store, logger *slog.Logger, opts ...Option) *Builder {
	b := &Builder{
		store:        store,
		memory:       NoopMemory{},
		rewriter:     NoopRewriter{},
		systemPrompt: DefaultSystemPrompt,
		windowTurns:  DefaultWindowTurns,
		rewriteLimit: DefaultRewriteBudget,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Input is one build request. UseMemory and UseRewriter are the
// effective flags after the caller merges configuration defaults with
// any per-request overrides.
type Input struct {
	OrgID       string
	ThreadID    string
	UserContent string
	UseMemory   bool
	UseRewriter bool
}

// Result is the built context. Messages is the provider-bound array.
// UserContent is the final user message placed last in the array, which
// is the original content plus the rewrite when one was produced. The
// thread stores the original only; the composite exists solely in the
// outbound context.
type Result struct {
	Messages    []models.MessageEnvelope
	UserContent string
	Rewritten   bool
	History     []models.Turn
}

// Build assembles the messages array in strict order: system prompt,
// optional memory snippet, prior turns oldest to newest, then the
// current user message. History is loaded before the current message is
// placed anywhere; the current user turn must not have been appended to
// the thread yet when Build runs.
func (b *Builder) Build(ctx context.Context, in Input) Result {
	history := b.store.History(in.ThreadID, b.windowTurns)

	messages := make([]models.MessageEnvelope, 0, len(history)+3)
	messages = append(messages, models.MessageEnvelope{
		Role:    models.RoleSystem,
		Content: b.systemPrompt,
	})

	if in.UseMemory {
		if snippet := b.retrieveMemory(ctx, in); snippet != "" {
			messages = append(messages, models.MessageEnvelope{
				Role:    models.RoleSystem,
				Content: "Relevant context from memory:\n" + snippet,
			})
		}
	}

	for _, turn := range history {
		messages = append(messages, models.MessageEnvelope{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}

	userContent := in.UserContent
	rewritten := false
	if in.UseRewriter {
		if rewrite := b.rewriteQuery(ctx, in.UserContent, history); rewrite != "" && rewrite != in.UserContent {
			userContent = in.UserContent + rewriteSeparator + rewrite + rewriteSuffix
			rewritten = true
		}
	}
	messages = append(messages, models.MessageEnvelope{
		Role:    models.RoleUser,
		Content: userContent,
	})

	return Result{
		Messages:    messages,
		UserContent: userContent,
		Rewritten:   rewritten,
		History:     history,
	}
}

// retrieveMemory fetches and bounds the memory snippet. Failure is
// logged and the request proceeds without memory.
func (b *Builder) retrieveMemory(ctx context.Context, in Input) string {
	snippet, err := b.memory.Retrieve(ctx, in.OrgID, in.ThreadID, in.UserContent)
	if err != nil {
		b.logger.Warn("memory retrieval failed, continuing without",
			"thread_id", in.ThreadID, "error", err)
		return ""
	}
	snippet = strings.TrimSpace(snippet)
	if len(snippet) > maxMemoryChars {
		// Back the cut up to a rune boundary; a split rune would put
		// invalid UTF-8 in the outbound context.
		cut := maxMemoryChars
		for cut > 0 && !utf8.RuneStart(snippet[cut]) {
			cut--
		}
		snippet = snippet[:cut]
	}
	return snippet
}

// rewriteQuery runs the rewriter under its time budget. Failure or
// timeout is logged and the original query is used alone.
func (b *Builder) rewriteQuery(ctx context.Context, original string, history []models.Turn) string {
	ctx, cancel := context.WithTimeout(ctx, b.rewriteLimit)
	defer cancel()

	rewrite, err := b.rewriter.Rewrite(ctx, original, history)
	if err != nil {
		b.logger.Warn("query rewrite failed, using original", "error", err)
		return ""
	}
	return strings.TrimSpace(rewrite)
}

// HistorySummary renders a compact plain-text view of recent turns for
// the router's classifier. Bounded to maxChars from the tail.
func HistorySummary(history []models.Turn, maxChars int) string {
	var sb strings.Builder
	for _, turn := range history {
		sb.WriteString(string(turn.Role))
		sb.WriteString(": ")
		sb.WriteString(turn.Content)
		sb.WriteByte('\n')
	}
	s := sb.String()
	if maxChars > 0 && len(s) > maxChars {
		s = s[len(s)-maxChars:]
	}
	return s
}
