package handlers

import (
	"net/http"
	"strings"

	"github.com/scrypster/leadbroker/internal/search"
)

// SearchHandler serves ad-hoc property searches for brokers.
type SearchHandler struct {
	engine     *search.Engine
	threshold  float64
	maxResults int
}

// NewSearchHandler creates a SearchHandler using threshold and maxResults
// when a request does not set them.
func NewSearchHandler(engine *search.Engine, threshold float64, maxResults int) *SearchHandler {
	return &SearchHandler{engine: engine, threshold: threshold, maxResults: maxResults}
}

// Search handles POST /api/search.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		respondError(w, http.StatusBadRequest, "query is required", nil)
		return
	}

	threshold := h.threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	maxResults := h.maxResults
	if req.MaxResults > 0 {
		maxResults = req.MaxResults
	}

	results, err := h.engine.SearchText(r.Context(), req.Query, threshold, maxResults)
	if err != nil {
		respondFailure(w, "search failed", err)
		return
	}
	if results.Items == nil {
		results.Items = []search.Result{}
	}
	respondJSON(w, http.StatusOK, results)
}
