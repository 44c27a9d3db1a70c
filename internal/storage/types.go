package storage

import (
	"errors"

	"github.com/scrypster/leadbroker/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAlreadyExists indicates a uniqueness constraint rejected the write.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrConflict indicates an optimistic concurrency check failed.
	ErrConflict = errors.New("concurrent modification")
)

// PaginatedResult represents a paginated result set with type safety using generics.
type PaginatedResult[T any] struct {
	// Items is the slice of results for the current page.
	Items []T

	// Total is the total number of items across all pages.
	Total int

	// Page is the current page number (1-indexed).
	Page int

	// PageSize is the number of items per page.
	PageSize int

	// HasMore indicates whether there are more pages available.
	HasMore bool
}

// ListOptions provides pagination and typed filters for list operations.
// Filters that do not apply to the listed resource are ignored.
type ListOptions struct {
	// Page is the page number to retrieve (1-indexed, default: 1).
	Page int

	// Limit is the number of items per page (default: 20, max: 200).
	Limit int

	// State filters conversations by lifecycle state.
	State types.ConversationState

	// PropertyStatus filters properties by status.
	PropertyStatus types.PropertyStatus

	// MissingEmbedding restricts properties to those without an embedding.
	MissingEmbedding bool

	// PendingOnly restricts alerts to unresolved ones.
	PendingOnly bool

	// ConversationID filters alerts by conversation.
	ConversationID string

	// MessageExternalID filters alerts by triggering message.
	MessageExternalID string

	// MinLevel filters alerts to level >= MinLevel.
	MinLevel int
}

// Normalize applies defaults and validates the ListOptions.
func (o *ListOptions) Normalize() {
	if o.Page < 1 {
		o.Page = 1
	}

	if o.Limit < 1 {
		o.Limit = 20 // Default limit
	}

	if o.Limit > 200 {
		o.Limit = 200 // Max limit
	}
}

// Offset calculates the offset for SQL queries based on page and limit.
func (o *ListOptions) Offset() int {
	return (o.Page - 1) * o.Limit
}

// NewPage builds a PaginatedResult from one page of items and the total count.
func NewPage[T any](items []T, total int, opts ListOptions) *PaginatedResult[T] {
	if items == nil {
		items = []T{}
	}
	return &PaginatedResult[T]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(items) < total,
	}
}

// SearchOptions bounds a candidate query against the property index.
type SearchOptions struct {
	// Limit is the maximum number of candidates to return (default: 30, max: 500).
	Limit int
}

// Normalize applies defaults and validates the SearchOptions.
func (o *SearchOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 30
	}

	if o.Limit > 500 {
		o.Limit = 500
	}
}

// VectorMatch is one vector-search candidate.
type VectorMatch struct {
	Property types.Property

	// Distance is the cosine distance to the query in [0, 2].
	Distance float64
}

// TextMatch is one lexical-search candidate.
type TextMatch struct {
	Property types.Property

	// Rank is the backend relevance rank, >= 0, higher is better.
	Rank float64
}

// CacheStats summarises a persisted embedding cache.
type CacheStats struct {
	Entries   int   `json:"entries"`
	Expired   int   `json:"expired"`
	TotalHits int64 `json:"total_hits"`
}
