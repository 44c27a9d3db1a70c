package handlers

import (
	"net/http"

	"github.com/scrypster/leadbroker/internal/engine"
)

// StatsHandler handles statistics endpoint requests.
type StatsHandler struct {
	orchestrator *engine.Orchestrator
}

// NewStatsHandler creates a new StatsHandler instance.
func NewStatsHandler(orchestrator *engine.Orchestrator) *StatsHandler {
	return &StatsHandler{orchestrator: orchestrator}
}

// GetStats handles GET /api/stats.
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orchestrator.Stats(r.Context())
	if err != nil {
		respondFailure(w, "failed to collect stats", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
