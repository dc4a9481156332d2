package convo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"relaygate/internal/domain/models"
	"relaygate/internal/thread"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedRewriter struct {
	rewrite string
	err     error
	delay   time.Duration
}

func (r *fixedRewriter) Rewrite(ctx context.Context, _ string, _ []models.Turn) (string, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return r.rewrite, r.err
}

type failingMemory struct{}

func (failingMemory) Retrieve(context.Context, string, string, string) (string, error) {
	return "", errors.New("vector store unavailable")
}

func seedThread(store *thread.Store, id string) {
	store.AppendTurn(id, models.Turn{Role: models.RoleUser, Content: "Who is Ada Lovelace?", CreatedAt: time.Now()})
	store.AppendTurn(id, models.Turn{Role: models.RoleAssistant, Content: "A 19th-century mathematician.", CreatedAt: time.Now()})
}

func TestBuildOrder(t *testing.T) {
	store := thread.NewStore(0, testLogger())
	seedThread(store, "t1")
	mem := NewStaticMemory()
	mem.Set("org1", "Org prefers terse answers.")

	b := NewBuilder(store, testLogger(), WithMemory(mem))
	res := b.Build(context.Background(), Input{
		OrgID:       "org1",
		ThreadID:    "t1",
		UserContent: "What did she invent?",
		UseMemory:   true,
	})

	if len(res.Messages) != 5 {
		t.Fatalf("got %d messages, want 5", len(res.Messages))
	}
	if res.Messages[0].Role != models.RoleSystem || res.Messages[0].Content != DefaultSystemPrompt {
		t.Errorf("first message is not the base system prompt: %+v", res.Messages[0])
	}
	if res.Messages[1].Role != models.RoleSystem || !strings.Contains(res.Messages[1].Content, "terse answers") {
		t.Errorf("second message is not the memory snippet: %+v", res.Messages[1])
	}
	if res.Messages[2].Content != "Who is Ada Lovelace?" || res.Messages[3].Role != models.RoleAssistant {
		t.Error("history not in oldest-to-newest order")
	}
	last := res.Messages[len(res.Messages)-1]
	if last.Role != models.RoleUser || last.Content != "What did she invent?" {
		t.Errorf("last message is not the current user message: %+v", last)
	}
}

func TestBuildReadOnlyOnThreadStore(t *testing.T) {
	store := thread.NewStore(0, testLogger())
	seedThread(store, "t1")
	before := store.Len("t1")

	b := NewBuilder(store, testLogger())
	b.Build(context.Background(), Input{ThreadID: "t1", UserContent: "hi"})

	if got := store.Len("t1"); got != before {
		t.Fatalf("Build mutated the thread: %d turns, want %d", got, before)
	}
	if store.Get("missing") != nil {
		t.Fatal("Build must not create threads")
	}
}

func TestBuildDeterministic(t *testing.T) {
	store := thread.NewStore(0, testLogger())
	seedThread(store, "t1")
	b := NewBuilder(store, testLogger())

	in := Input{ThreadID: "t1", UserContent: "What did she invent?"}
	first := b.Build(context.Background(), in)
	for i := 0; i < 5; i++ {
		again := b.Build(context.Background(), in)
		if !reflect.DeepEqual(first.Messages, again.Messages) {
			t.Fatalf("build %d differs from first", i)
		}
	}
}

func TestBuildRewriteComposite(t *testing.T) {
	store := thread.NewStore(0, testLogger())
	seedThread(store, "t1")
	b := NewBuilder(store, testLogger(),
		WithRewriter(&fixedRewriter{rewrite: "What did Ada Lovelace invent?"}))

	res := b.Build(context.Background(), Input{
		ThreadID:    "t1",
		UserContent: "What did she invent?",
		UseRewriter: true,
	})
	if !res.Rewritten {
		t.Fatal("expected a rewrite")
	}
	last := res.Messages[len(res.Messages)-1].Content
	if !strings.HasPrefix(last, "What did she invent?") {
		t.Error("original query must come first in the composite")
	}
	if !strings.Contains(last, "What did Ada Lovelace invent?") {
		t.Error("composite must contain the rewritten query")
	}
}

func TestBuildRewriterFailureUsesOriginal(t *testing.T) {
	store := thread.NewStore(0, testLogger())
	b := NewBuilder(store, testLogger(),
		WithRewriter(&fixedRewriter{err: errors.New("model down")}))

	res := b.Build(context.Background(), Input{
		ThreadID:    "t1",
		UserContent: "hello",
		UseRewriter: true,
	})
	if res.Rewritten {
		t.Fatal("failed rewrite must not mark the result rewritten")
	}
	if got := res.Messages[len(res.Messages)-1].Content; got != "hello" {
		t.Fatalf("user content = %q, want original", got)
	}
}

func TestBuildRewriterTimeoutUsesOriginal(t *testing.T) {
	store := thread.NewStore(0, testLogger())
	b := NewBuilder(store, testLogger(),
		WithRewriter(&fixedRewriter{rewrite: "late", delay: 200 * time.Millisecond}),
		WithRewriteBudget(20*time.Millisecond))

	start := time.Now()
	res := b.Build(context.Background(), Input{
		ThreadID:    "t1",
		UserContent: "hello",
		UseRewriter: true,
	})
	if res.Rewritten {
		t.Fatal("timed-out rewrite must be discarded")
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("build waited %v past the rewrite budget", elapsed)
	}
}

func TestBuildMemoryFailureProceeds(t *testing.T) {
	store := thread.NewStore(0, testLogger())
	b := NewBuilder(store, testLogger(), WithMemory(failingMemory{}))

	res := b.Build(context.Background(), Input{
		ThreadID:    "t1",
		UserContent: "hello",
		UseMemory:   true,
	})
	if len(res.Messages) != 2 {
		t.Fatalf("got %d messages, want system + user only", len(res.Messages))
	}
}

func TestBuildMemorySnippetBounded(t *testing.T) {
	store := thread.NewStore(0, testLogger())
	mem := NewStaticMemory()
	mem.Set("org1", strings.Repeat("x", 5000))
	b := NewBuilder(store, testLogger(), WithMemory(mem))

	res := b.Build(context.Background(), Input{
		OrgID:       "org1",
		ThreadID:    "t1",
		UserContent: "hello",
		UseMemory:   true,
	})
	snippet := res.Messages[1].Content
	if len(snippet) > maxMemoryChars+len("Relevant context from memory:\n") {
		t.Fatalf("memory message length %d exceeds bound", len(snippet))
	}
}

func TestBuildMemoryTruncationKeepsValidUTF8(t *testing.T) {
	store := thread.NewStore(0, testLogger())
	mem := NewStaticMemory()
	// Two-byte runes, twice the byte cap; a byte-exact cut would land
	// mid-rune.
	mem.Set("org1", strings.Repeat("ü", maxMemoryChars))
	b := NewBuilder(store, testLogger(), WithMemory(mem))

	res := b.Build(context.Background(), Input{
		OrgID:       "org1",
		ThreadID:    "t1",
		UserContent: "hello",
		UseMemory:   true,
	})
	snippet := strings.TrimPrefix(res.Messages[1].Content, "Relevant context from memory:\n")
	if len(snippet) > maxMemoryChars {
		t.Fatalf("snippet is %d bytes, want <= %d", len(snippet), maxMemoryChars)
	}
	if !utf8.ValidString(snippet) {
		t.Fatal("snippet was truncated mid-rune")
	}
}

func TestBuildEmptyRewriteKeepsOriginal(t *testing.T) {
	store := thread.NewStore(0, testLogger())
	b := NewBuilder(store, testLogger(), WithRewriter(&fixedRewriter{rewrite: ""}))

	res := b.Build(context.Background(), Input{
		ThreadID:    "t1",
		UserContent: "already clear",
		UseRewriter: true,
	})
	if res.Rewritten {
		t.Fatal("empty rewrite must not mark the result rewritten")
	}
}

func TestHistorySummaryBounded(t *testing.T) {
	turns := []models.Turn{
		{Role: models.RoleUser, Content: strings.Repeat("a", 100)},
		{Role: models.RoleAssistant, Content: strings.Repeat("b", 100)},
	}
	s := HistorySummary(turns, 50)
	if len(s) != 50 {
		t.Fatalf("summary length = %d, want 50", len(s))
	}
	if full := HistorySummary(turns, 0); !strings.Contains(full, "user: ") {
		t.Error("unbounded summary missing role prefix")
	}
}
