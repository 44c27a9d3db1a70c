package handlers

import (
	"net/http"

	"github.com/scrypster/leadbroker/internal/catalog"
	"github.com/scrypster/leadbroker/pkg/types"
)

// PropertyHandler exposes the property catalog sync.
type PropertyHandler struct {
	syncer *catalog.Syncer
}

// NewPropertyHandler creates a new PropertyHandler instance.
func NewPropertyHandler(syncer *catalog.Syncer) *PropertyHandler {
	return &PropertyHandler{syncer: syncer}
}

// Upsert handles POST /api/properties.
func (h *PropertyHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var p types.Property
	if err := decodeJSON(w, r, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	res, err := h.syncer.Upsert(r.Context(), &p)
	if err != nil {
		respondFailure(w, "failed to upsert property", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Get handles GET /api/properties/{id}.
func (h *PropertyHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.syncer.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondFailure(w, "failed to get property", err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// SetStatus handles PATCH /api/properties/{id}/status.
func (h *PropertyHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	id := r.PathValue("id")
	if err := h.syncer.SetStatus(r.Context(), id, req.Status); err != nil {
		respondFailure(w, "failed to update property status", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(req.Status)})
}

// Backfill handles POST /api/properties/backfill?batch_size=N.
func (h *PropertyHandler) Backfill(w http.ResponseWriter, r *http.Request) {
	batch := parseInt(r.URL.Query().Get("batch_size"), catalog.DefaultBatchSize)
	report, err := h.syncer.Backfill(r.Context(), batch)
	if err != nil {
		respondFailure(w, "backfill failed", err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}
