package sse

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewWriterSetsStreamingHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	if _, err := NewWriter(rec); err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	h := rec.Header()
	if got := h.Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
	if got := h.Get("Cache-Control"); got != "no-store" {
		t.Errorf("cache control = %q", got)
	}
	if got := h.Get("X-Accel-Buffering"); got != "no" {
		t.Errorf("x-accel-buffering = %q", got)
	}
	if got := h.Get("Connection"); got != "keep-alive" {
		t.Errorf("connection = %q", got)
	}
}

func TestWriteEventFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	if err := w.WriteEvent("delta", map[string]string{"content": "hi"}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	got := rec.Body.String()
	want := "event: delta\ndata: {\"content\":\"hi\"}\n\n"
	if got != want {
		t.Errorf("frame = %q, want %q", got, want)
	}
	if !rec.Flushed {
		t.Error("event was not flushed")
	}
}

func TestWritePing(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WritePing(); err != nil {
		t.Fatalf("WritePing: %v", err)
	}
	if got := rec.Body.String(); got != "event: ping\ndata: {}\n\n" {
		t.Errorf("ping frame = %q", got)
	}
}

func TestHeartbeatFiresWhenIdle(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	hb := NewHeartbeat(40 * time.Millisecond)
	defer hb.Stop()
	hb.Start(w, testLogger())

	time.Sleep(150 * time.Millisecond)
	hb.Stop()

	if !strings.Contains(rec.Body.String(), "event: ping") {
		t.Error("idle stream never received a heartbeat ping")
	}
}

func TestHeartbeatQuietWhileActive(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	hb := NewHeartbeat(80 * time.Millisecond)
	defer hb.Stop()
	hb.Start(w, testLogger())

	// Keep the stream busy; no ping should slip in between deltas.
	for i := 0; i < 6; i++ {
		if err := w.WriteEvent("delta", map[string]string{"content": "x"}); err != nil {
			t.Fatalf("WriteEvent: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	hb.Stop()

	if strings.Contains(rec.Body.String(), "event: ping") {
		t.Error("heartbeat fired while the stream was active")
	}
}
