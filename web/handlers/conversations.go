package handlers

import (
	"net/http"

	"github.com/scrypster/leadbroker/internal/conversation"
	"github.com/scrypster/leadbroker/pkg/types"
)

// ConversationResponse is the response format for GET /api/conversations/{phone}.
type ConversationResponse struct {
	Conversation *types.Conversation `json:"conversation"`
	Messages     []types.Message     `json:"messages"`
}

// ConversationHandler exposes conversations to brokers.
type ConversationHandler struct {
	machine      *conversation.Machine
	historyLimit int
}

// NewConversationHandler creates a new ConversationHandler instance.
func NewConversationHandler(machine *conversation.Machine) *ConversationHandler {
	return &ConversationHandler{machine: machine, historyLimit: conversation.DefaultHistoryLimit}
}

// List handles GET /api/conversations?state=&page=&limit=.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)
	if s := types.ConversationState(r.URL.Query().Get("state")); s != "" {
		if !s.IsValid() {
			respondError(w, http.StatusBadRequest, "unknown state", nil)
			return
		}
		opts.State = s
	}

	page, err := h.machine.List(r.Context(), opts)
	if err != nil {
		respondFailure(w, "failed to list conversations", err)
		return
	}
	respondJSON(w, http.StatusOK, newListResponse(page))
}

// Get handles GET /api/conversations/{phone}?limit=N.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	phone := r.PathValue("phone")
	conv, err := h.machine.Get(r.Context(), phone)
	if err != nil {
		respondFailure(w, "failed to get conversation", err)
		return
	}

	limit := parseInt(r.URL.Query().Get("limit"), h.historyLimit)
	msgs, err := h.machine.History(r.Context(), phone, limit)
	if err != nil {
		respondFailure(w, "failed to load messages", err)
		return
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	respondJSON(w, http.StatusOK, ConversationResponse{Conversation: conv, Messages: msgs})
}

// Transition handles POST /api/conversations/{phone}/transition.
func (h *ConversationHandler) Transition(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Cause == "" {
		req.Cause = types.CauseBroker
	}

	conv, err := h.machine.Transition(r.Context(), r.PathValue("phone"), req.State, req.Cause)
	if err != nil {
		respondFailure(w, "transition rejected", err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

// PostOutbound handles POST /api/conversations/{phone}/messages, recording a
// reply sent to the lead.
func (h *ConversationHandler) PostOutbound(w http.ResponseWriter, r *http.Request) {
	var req OutboundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	msg, err := h.machine.RecordOutbound(r.Context(), r.PathValue("phone"), req.Content, req.ExternalID)
	if err != nil {
		respondFailure(w, "failed to record message", err)
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}
