package handlers

import (
	"net/http"

	"github.com/scrypster/leadbroker/internal/engine"
)

// MessageHandler accepts inbound deliveries from the messaging integration.
type MessageHandler struct {
	orchestrator *engine.Orchestrator
}

// NewMessageHandler creates a new MessageHandler instance.
func NewMessageHandler(orchestrator *engine.Orchestrator) *MessageHandler {
	return &MessageHandler{orchestrator: orchestrator}
}

// PostMessage handles POST /api/messages. Redeliveries answer 200 with
// duplicate set so the integration stops retrying.
func (h *MessageHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req engine.InboundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	resp, err := h.orchestrator.HandleInbound(r.Context(), &req)
	if err != nil {
		respondFailure(w, "failed to process message", err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}
