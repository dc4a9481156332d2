// Package sse frames events for the streaming endpoint and keeps the
// connection alive through buffering intermediaries.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Writer frames SSE events onto one client connection. Safe for
// concurrent use by the handler goroutine and the heartbeat.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu        sync.Mutex
	lastWrite time.Time
}

// NewWriter prepares w for event streaming: sets the anti-buffering
// header set and errors out if the connection cannot flush. No
// Content-Length is ever written, which keeps the response chunked.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	return &Writer{w: w, flusher: flusher, lastWrite: time.Now()}, nil
}

// WriteEvent frames one event as "event: <name>\ndata: <json>\n\n" and
// flushes it immediately.
func (s *Writer) WriteEvent(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return fmt.Errorf("write %s event: %w", name, err)
	}
	s.flusher.Flush()
	s.lastWrite = time.Now()
	return nil
}

// WritePing emits the ping event used both as the initial proxy-flush
// forcing frame and as the idle heartbeat.
func (s *Writer) WritePing() error {
	return s.WriteEvent("ping", struct{}{})
}

// IdleSince reports how long ago the last frame was written.
func (s *Writer) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastWrite)
}
