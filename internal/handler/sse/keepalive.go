package sse

import (
	"log/slog"
	"time"
)

// DefaultHeartbeatInterval is how long a stream may sit idle before a
// ping heartbeat is sent to keep intermediaries from closing it.
const DefaultHeartbeatInterval = 15 * time.Second

// Heartbeat sends ping events whenever the stream has been idle for a
// full interval. It stops itself on write failure, which is how a
// dropped connection is detected between deltas.
type Heartbeat struct {
	interval time.Duration
	done     chan struct{}
}

// NewHeartbeat creates a heartbeat. interval <= 0 uses the default.
func NewHeartbeat(interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the idle watch. The returned channel closes when the
// heartbeat terminates, either by Stop or by a failed write.
func (h *Heartbeat) Start(w *Writer, logger *slog.Logger) <-chan struct{} {
	stopped := make(chan struct{})
	ticker := time.NewTicker(h.interval / 2)

	go func() {
		defer close(stopped)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if w.IdleSince() < h.interval {
					continue
				}
				if err := w.WritePing(); err != nil {
					logger.Debug("heartbeat write failed, stopping", "error", err)
					return
				}
			case <-h.done:
				return
			}
		}
	}()
	return stopped
}

// Stop terminates the heartbeat. Safe to call more than once.
func (h *Heartbeat) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}
