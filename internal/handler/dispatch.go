// Package handler exposes the gateway's HTTP surface: the two dispatch
// endpoints, the stats endpoints, and health.
package handler

import (
	"log/slog"
	"net/http"
	"time"

	"relaygate/internal/dispatch"
	"relaygate/internal/domain"
	"relaygate/internal/handler/sse"
	"relaygate/internal/httputil"
	"relaygate/internal/hub"
	"relaygate/internal/middleware"
)

// DispatchHandler serves the message endpoints.
type DispatchHandler struct {
	svc               *dispatch.Service
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

func NewDispatchHandler(svc *dispatch.Service, heartbeatInterval time.Duration, logger *slog.Logger) *DispatchHandler {
	if heartbeatInterval <= 0 {
		heartbeatInterval = sse.DefaultHeartbeatInterval
	}
	return &DispatchHandler{
		svc:               svc,
		heartbeatInterval: heartbeatInterval,
		logger:            logger,
	}
}

// Register mounts the endpoints on mux.
func (h *DispatchHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/threads/{thread_id}/messages", h.HandleMessage)
	mux.HandleFunc("POST /api/threads/{thread_id}/messages/stream", h.HandleStream)
}

// messageRequest is the request body shared by both endpoints.
type messageRequest struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	Provider         string `json:"provider,omitempty"`
	Model            string `json:"model,omitempty"`
	Scope            string `json:"scope,omitempty"`
	UseMemory        *bool  `json:"use_memory,omitempty"`
	UseQueryRewriter *bool  `json:"use_query_rewriter,omitempty"`
}

func (h *DispatchHandler) parseRequest(w http.ResponseWriter, r *http.Request) (*dispatch.Request, error) {
	var body messageRequest
	if err := httputil.ParseJSON(w, r, &body); err != nil {
		return nil, domain.Validationf("%v", err)
	}
	return &dispatch.Request{
		OrgID:       middleware.OrgID(r.Context()),
		ThreadID:    r.PathValue("thread_id"),
		Role:        body.Role,
		Content:     body.Content,
		Provider:    body.Provider,
		Model:       body.Model,
		UseMemory:   body.UseMemory,
		UseRewriter: body.UseQueryRewriter,
	}, nil
}

// HandleMessage is the non-streaming dispatch: one JSON envelope after
// the upstream call completes.
func (h *DispatchHandler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	req, err := h.parseRequest(w, r)
	if err != nil {
		httputil.RespondDispatchError(w, err)
		return
	}

	resp, err := h.svc.Dispatch(r.Context(), req)
	if err != nil {
		httputil.RespondDispatchError(w, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, resp)
}

// HandleStream is the SSE dispatch. The ping goes out before any work
// so proxies flush the response headers immediately; validation and
// routing failures after that point arrive as error events.
func (h *DispatchHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	sw, err := sse.NewWriter(w)
	if err != nil {
		httputil.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if err := sw.WritePing(); err != nil {
		return
	}

	req, err := h.parseRequest(w, r)
	if err != nil {
		h.writeError(sw, err)
		return
	}

	handle, err := h.svc.DispatchStream(r.Context(), req)
	if err != nil {
		h.writeError(sw, err)
		return
	}
	defer handle.Sub.Close()

	if err := sw.WriteEvent("router", handle.Decision); err != nil {
		return
	}

	hb := sse.NewHeartbeat(h.heartbeatInterval)
	defer hb.Stop()
	hb.Start(sw, h.logger)

	h.pump(r, sw, handle)
}

// pump forwards hub events to the client until a terminal event, the
// client disconnect, or a failed outcome. The outcome channel matters
// when the hub carries nothing terminal: a first-token timeout or a
// negative-cache hit fails without ever touching the stream.
func (h *DispatchHandler) pump(r *http.Request, sw *sse.Writer, handle *dispatch.StreamHandle) {
	done := handle.Done
	var outcome *dispatch.Outcome

	for {
		select {
		case ev, ok := <-handle.Sub.C:
			if !ok {
				// Queue closed with no terminal event: synthesize the
				// tail from the outcome.
				h.finishFromOutcome(r, sw, done, outcome)
				return
			}
			if count, marked := handle.Sub.TakeDroppedMark(); marked {
				if err := sw.WriteEvent("dropped", dispatch.DroppedPayload{Count: count}); err != nil {
					return
				}
			}
			if err := sw.WriteEvent(string(ev.Type), ev.Data); err != nil {
				return
			}
			if ev.Type == hub.EventDone || ev.Type == hub.EventError {
				return
			}

		case out := <-done:
			// Receiving nil-s the channel so this case cannot fire twice.
			done = nil
			if out.Err != nil {
				h.writeError(sw, out.Err)
				return
			}
			// Success: the subscription queue still holds the stream's
			// tail, keep draining it.
			outcome = &out

		case <-r.Context().Done():
			// Client disconnect. The deferred unsubscribe detaches this
			// consumer; the leader keeps running for anyone else.
			return
		}
	}
}

// finishFromOutcome renders a completed dispatch whose hub stream never
// carried a terminal event, collapsing the full content into one delta.
func (h *DispatchHandler) finishFromOutcome(r *http.Request, sw *sse.Writer, done <-chan dispatch.Outcome, outcome *dispatch.Outcome) {
	if outcome == nil {
		select {
		case out := <-done:
			outcome = &out
		case <-r.Context().Done():
			return
		}
	}
	if outcome.Err != nil {
		h.writeError(sw, outcome.Err)
		return
	}

	meta := outcome.Output.ProviderMeta
	if err := sw.WriteEvent("meta", dispatch.MetaPayload{
		TTFTMs:      meta.TTFTMs,
		QueueWaitMs: meta.QueueWaitMs,
		Provider:    meta.Provider,
		Model:       meta.Model,
	}); err != nil {
		return
	}
	sw.WriteEvent("delta", dispatch.DeltaPayload{Type: "delta", Content: outcome.Output.FinalContent})
	sw.WriteEvent("done", dispatch.DonePayload{
		TotalMs:   outcome.Output.TotalMs,
		FinalHash: outcome.Output.FinalHash,
		Usage:     meta.Usage,
	})
}

// writeError emits the terminal error event. Client-side cancellation
// is never surfaced; the connection is already gone.
func (h *DispatchHandler) writeError(sw *sse.Writer, err error) {
	de := domain.AsDispatchError(err)
	if de.Kind == domain.KindCancelled {
		return
	}
	sw.WriteEvent("error", dispatch.NewErrorPayload(de))
}
