package thread

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"relaygate/internal/domain/models"
)

func newTestStore(maxTurns int) *Store {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewStore(maxTurns, logger)
}

func userTurn(content string) models.Turn {
	return models.Turn{Role: models.RoleUser, Content: content, CreatedAt: time.Now()}
}

func assistantTurn(content string) models.Turn {
	return models.Turn{Role: models.RoleAssistant, Content: content, CreatedAt: time.Now()}
}

func TestGetNeverCreates(t *testing.T) {
	s := newTestStore(0)

	if got := s.Get("absent"); got != nil {
		t.Fatalf("Get on absent thread returned %v, want nil", got)
	}
	if got := s.History("absent", 10); len(got) != 0 {
		t.Fatalf("History on absent thread returned %d turns, want 0", len(got))
	}
	// Neither call may have created the thread.
	if got := s.Get("absent"); got != nil {
		t.Fatalf("read path created a thread")
	}
}

func TestGetOrCreateIdempotent(t *testing.T) {
	s := newTestStore(0)

	a := s.GetOrCreate("t1")
	b := s.GetOrCreate("t1")
	if a != b {
		t.Fatalf("GetOrCreate returned distinct thread objects for the same ID")
	}
}

func TestAppendVisibleToHistory(t *testing.T) {
	s := newTestStore(0)

	s.AppendTurn("t1", userTurn("hello"))
	s.AppendTurn("t1", assistantTurn("hi there"))

	hist := s.History("t1", 10)
	if len(hist) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(hist))
	}
	if hist[0].Content != "hello" || hist[1].Content != "hi there" {
		t.Fatalf("history out of order: %+v", hist)
	}
	if last := hist[len(hist)-1]; last.Role != models.RoleAssistant {
		t.Errorf("last turn role = %s, want assistant", last.Role)
	}
}

func TestHistoryReturnsCopy(t *testing.T) {
	s := newTestStore(0)
	s.AppendTurn("t1", userTurn("original"))

	hist := s.History("t1", 10)
	hist[0].Content = "mutated"

	if got := s.History("t1", 10)[0].Content; got != "original" {
		t.Fatalf("History exposed internal state: %q", got)
	}
}

func TestHistoryWindow(t *testing.T) {
	s := newTestStore(0)
	for i := 0; i < 10; i++ {
		s.AppendTurn("t1", userTurn(fmt.Sprintf("u%d", i)))
		s.AppendTurn("t1", assistantTurn(fmt.Sprintf("a%d", i)))
	}

	hist := s.History("t1", 4)
	if len(hist) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(hist))
	}
	if hist[0].Content != "u8" || hist[3].Content != "a9" {
		t.Fatalf("window returned wrong slice: %+v", hist)
	}
}

func TestEvictionPreservesPairAlignment(t *testing.T) {
	s := newTestStore(4)

	// Fill to capacity with two complete pairs, then push one more pair.
	s.AppendTurn("t1", userTurn("u0"))
	s.AppendTurn("t1", assistantTurn("a0"))
	s.AppendTurn("t1", userTurn("u1"))
	s.AppendTurn("t1", assistantTurn("a1"))
	s.AppendTurn("t1", userTurn("u2"))
	s.AppendTurn("t1", assistantTurn("a2"))

	hist := s.History("t1", 100)
	if len(hist) != 4 {
		t.Fatalf("expected capacity 4, got %d turns", len(hist))
	}
	// The retained window must not open with a dangling assistant reply.
	if hist[0].Role == models.RoleAssistant {
		t.Fatalf("retained window starts with assistant turn: %+v", hist)
	}
	if hist[0].Content != "u1" {
		t.Fatalf("expected window to start at u1, got %q", hist[0].Content)
	}
}

func TestClearResetsThread(t *testing.T) {
	s := newTestStore(0)
	s.AppendTurn("t1", userTurn("hello"))
	s.Clear("t1")

	if n := s.Len("t1"); n != 0 {
		t.Fatalf("Len after Clear = %d, want 0", n)
	}
	// The thread object survives a clear; only its turns are dropped.
	if s.Get("t1") == nil {
		t.Fatalf("Clear removed the thread object")
	}
}

func TestConcurrentAppendsSerialize(t *testing.T) {
	s := newTestStore(0)
	const writers = 16
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				s.AppendTurn("t1", userTurn(fmt.Sprintf("w%d-%d", w, i)))
			}
		}(w)
	}
	wg.Wait()

	if n := s.Len("t1"); n != DefaultMaxTurns {
		t.Fatalf("expected store capped at %d turns, got %d", DefaultMaxTurns, n)
	}
}

func TestMonotonicGrowth(t *testing.T) {
	s := newTestStore(0)
	prev := 0
	for i := 0; i < 20; i++ {
		s.AppendTurn("t1", userTurn("x"))
		n := s.Len("t1")
		if n < prev {
			t.Fatalf("turn count decreased from %d to %d without Clear", prev, n)
		}
		prev = n
	}
}
