// Package storage provides composable storage interfaces for leadbroker.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. SQLite and PostgreSQL
// implement every interface; Redis implements IdempotencyStore only.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/leadbroker/pkg/types"
)

// PropertyIndex stores property listings and answers the two candidate
// queries used by hybrid search. Only active properties are ever returned
// by VectorSearch and TextSearch.
type PropertyIndex interface {
	// UpsertProperty creates or replaces a property by ID.
	UpsertProperty(ctx context.Context, property *types.Property) error

	// GetProperty retrieves a property by ID.
	// Returns ErrNotFound if the property doesn't exist.
	GetProperty(ctx context.Context, id string) (*types.Property, error)

	// UpdatePropertyStatus soft-deletes or re-activates a property.
	// Returns ErrNotFound if the property doesn't exist.
	UpdatePropertyStatus(ctx context.Context, id string, status types.PropertyStatus) error

	// ListProperties lists properties with pagination.
	ListProperties(ctx context.Context, opts ListOptions) (*PaginatedResult[types.Property], error)

	// VectorSearch returns the active properties nearest to query by cosine
	// distance, closest first, capped at opts.Limit. Properties whose
	// embedding dimension differs from len(query) are skipped.
	VectorSearch(ctx context.Context, query []float32, opts SearchOptions) ([]VectorMatch, error)

	// TextSearch returns active properties matching query lexically, best
	// first, capped at opts.Limit. Rank is non-negative; higher is better.
	TextSearch(ctx context.Context, query string, opts SearchOptions) ([]TextMatch, error)
}

// ConversationStore persists conversations keyed by phone number.
type ConversationStore interface {
	// GetConversationByPhone returns the conversation for phone.
	// Returns ErrNotFound if none exists.
	GetConversationByPhone(ctx context.Context, phone string) (*types.Conversation, error)

	// CreateConversation inserts a new conversation with Version 1.
	// Returns ErrAlreadyExists if the phone number is already taken.
	CreateConversation(ctx context.Context, conv *types.Conversation) error

	// UpdateConversation writes conv if its Version matches the stored row and
	// increments conv.Version. Returns ErrConflict on a version mismatch and
	// ErrNotFound if the conversation doesn't exist.
	UpdateConversation(ctx context.Context, conv *types.Conversation) error

	// ListConversations lists conversations, most recently active first.
	ListConversations(ctx context.Context, opts ListOptions) (*PaginatedResult[types.Conversation], error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	// AppendMessage inserts msg. Returns ErrAlreadyExists if a message with
	// the same non-empty ExternalID already exists.
	AppendMessage(ctx context.Context, msg *types.Message) error

	// RecentMessages returns up to limit messages of a conversation, newest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]types.Message, error)

	// GetMessageByExternalID returns the message with the transport id.
	// Returns ErrNotFound if none exists.
	GetMessageByExternalID(ctx context.Context, externalID string) (*types.Message, error)
}

// AlertStore persists urgency alerts. Alerts are append-only from the core;
// ResolveAlert is driven by brokers.
type AlertStore interface {
	// CreateAlert inserts alert. Returns ErrAlreadyExists if an alert for the
	// same conversation and triggering message already exists.
	CreateAlert(ctx context.Context, alert *types.UrgencyAlert) error

	// ListAlerts lists alerts, newest first.
	ListAlerts(ctx context.Context, opts ListOptions) (*PaginatedResult[types.UrgencyAlert], error)

	// ResolveAlert marks an alert as handled by a broker.
	// Returns ErrNotFound if the alert doesn't exist.
	ResolveAlert(ctx context.Context, id, resolvedBy string, at time.Time) error
}

// IdempotencyStore records inbound deliveries by fingerprint.
type IdempotencyStore interface {
	// BeginProcessing atomically admits rec when no live record exists for
	// rec.Fingerprint: none at all, an expired one, or a failed one. Admission
	// writes rec with status processing. When not admitted, the existing
	// record is returned.
	BeginProcessing(ctx context.Context, rec *types.IdempotencyRecord) (admitted bool, existing *types.IdempotencyRecord, err error)

	// CompleteProcessing marks the record completed and stores result.
	CompleteProcessing(ctx context.Context, fingerprint string, result []byte, at time.Time) error

	// FailProcessing marks the record failed so a redelivery is re-admitted.
	FailProcessing(ctx context.Context, fingerprint, reason string, at time.Time) error

	// GetIdempotencyRecord returns the record for fingerprint.
	// Returns ErrNotFound if none exists.
	GetIdempotencyRecord(ctx context.Context, fingerprint string) (*types.IdempotencyRecord, error)

	// CountIdempotencyByStatus returns the number of records per status.
	CountIdempotencyByStatus(ctx context.Context) (map[types.IdempotencyStatus]int, error)
}

// EmbeddingCacheStore persists memoized embeddings keyed by (text hash, model).
type EmbeddingCacheStore interface {
	// GetCachedEmbedding returns the entry, expired or not.
	// Returns ErrNotFound if none exists.
	GetCachedEmbedding(ctx context.Context, textHash, model string) (*types.EmbeddingCacheEntry, error)

	// PutCachedEmbedding creates or replaces the entry, resetting its hit count.
	PutCachedEmbedding(ctx context.Context, entry *types.EmbeddingCacheEntry) error

	// RecordEmbeddingHit increments the hit count and sets the last-hit time.
	RecordEmbeddingHit(ctx context.Context, textHash, model string, at time.Time) error

	// EmbeddingCacheStats summarises the persisted cache.
	EmbeddingCacheStats(ctx context.Context) (CacheStats, error)
}

// Sweeper removes rows whose retention has lapsed. It is driven by a
// background loop and never by request handling.
type Sweeper interface {
	PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
	PurgeExpiredEmbeddings(ctx context.Context, now time.Time) (int64, error)
	PurgeMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the full persistence surface implemented by the SQL backends.
type Store interface {
	PropertyIndex
	ConversationStore
	MessageStore
	AlertStore
	IdempotencyStore
	EmbeddingCacheStore
	Sweeper

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
