package handlers

import (
	"net/http"

	"github.com/scrypster/leadbroker/internal/urgency"
)

// AlertHandler lists and resolves urgency alerts.
type AlertHandler struct {
	service *urgency.Service
}

// NewAlertHandler creates a new AlertHandler instance.
func NewAlertHandler(service *urgency.Service) *AlertHandler {
	return &AlertHandler{service: service}
}

// List handles GET /api/alerts?min_level=&page=&limit=. Only unresolved
// alerts are returned.
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)
	opts.MinLevel = parseInt(r.URL.Query().Get("min_level"), 0)

	page, err := h.service.PendingAlerts(r.Context(), opts)
	if err != nil {
		respondFailure(w, "failed to list alerts", err)
		return
	}
	respondJSON(w, http.StatusOK, newListResponse(page))
}

// Resolve handles POST /api/alerts/{id}/resolve.
func (h *AlertHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	id := r.PathValue("id")
	if err := h.service.Resolve(r.Context(), id, req.ResolvedBy); err != nil {
		respondFailure(w, "failed to resolve alert", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "resolved"})
}
