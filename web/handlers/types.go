package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/scrypster/leadbroker/internal/storage"
	"github.com/scrypster/leadbroker/pkg/types"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SearchRequest is the request format for POST /api/search.
type SearchRequest struct {
	Query      string   `json:"query"`
	Threshold  *float64 `json:"threshold,omitempty"`
	MaxResults int      `json:"max_results,omitempty"`
}

// StatusRequest is the request format for PATCH /api/properties/{id}/status.
type StatusRequest struct {
	Status types.PropertyStatus `json:"status"`
}

// TransitionRequest is the request format for
// POST /api/conversations/{phone}/transition.
type TransitionRequest struct {
	State types.ConversationState `json:"state"`
	Cause types.TransitionCause   `json:"cause,omitempty"` // default: broker
}

// OutboundRequest is the request format for
// POST /api/conversations/{phone}/messages.
type OutboundRequest struct {
	Content    string `json:"content"`
	ExternalID string `json:"external_id,omitempty"`
}

// ResolveRequest is the request format for POST /api/alerts/{id}/resolve.
type ResolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

// ListResponse wraps a page of items.
type ListResponse[T any] struct {
	Items    []T  `json:"items"`
	Total    int  `json:"total"`
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasMore  bool `json:"has_more"`
}

func newListResponse[T any](p *storage.PaginatedResult[T]) ListResponse[T] {
	items := p.Items
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{
		Items:    items,
		Total:    p.Total,
		Page:     p.Page,
		PageSize: p.PageSize,
		HasMore:  p.HasMore,
	}
}

// statusForError maps domain and storage errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, types.ErrMalformedMessage), errors.Is(err, storage.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrStateConflict), errors.Is(err, storage.ErrConflict),
		errors.Is(err, types.ErrDuplicateDelivery), errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, types.ErrRetrievalUnavailable), errors.Is(err, types.ErrEmbeddingProvider):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent.
		log.Printf("handlers: failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}
	if err != nil {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}
	}
	respondJSON(w, statusCode, errResp)
}

// respondFailure writes err with the status statusForError picks for it.
func respondFailure(w http.ResponseWriter, message string, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		log.Printf("handlers: %s: %v", message, err)
	}
	respondError(w, status, message, err)
}

// decodeJSON decodes a size-limited JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", storage.ErrInvalidInput)
		}
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	return nil
}

// parseInt parses s, returning defaultValue when it is empty or invalid.
func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

// listOptions reads page and limit query parameters.
func listOptions(r *http.Request) storage.ListOptions {
	opts := storage.ListOptions{
		Page:  parseInt(r.URL.Query().Get("page"), 1),
		Limit: parseInt(r.URL.Query().Get("limit"), 20),
	}
	opts.Normalize()
	return opts
}
