package handler

import (
	"net/http"

	"relaygate/internal/httputil"
	"relaygate/internal/metrics"
)

// StatsHandler serves the rolling-window aggregates as JSON. The
// Prometheus endpoint is mounted separately via promhttp in main.
type StatsHandler struct {
	collector *metrics.Collector
}

func NewStatsHandler(collector *metrics.Collector) *StatsHandler {
	return &StatsHandler{collector: collector}
}

func (h *StatsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/stats", h.HandleStats)
}

func (h *StatsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, h.collector.Snapshot())
}
