package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/leadbroker/internal/storage"
	"github.com/scrypster/leadbroker/pkg/types"
)

// GetCachedEmbedding returns the entry for (textHash, model), expired or not.
func (s *Store) GetCachedEmbedding(ctx context.Context, textHash, model string) (*types.EmbeddingCacheEntry, error) {
	var (
		e         types.EmbeddingCacheEntry
		vector    []byte
		lastHitAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT text_hash, model, text, vector, hit_count, last_hit_at, created_at, expires_at
		FROM embedding_cache WHERE text_hash = $1 AND model = $2
	`, textHash, model).Scan(&e.TextHash, &e.Model, &e.Text, &vector, &e.HitCount,
		&lastHitAt, &e.CreatedAt, &e.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("embedding %s/%s: %w", model, textHash, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get cached embedding: %w", err)
	}

	e.Vector, err = storage.DecodeVector(vector)
	if err != nil {
		return nil, err
	}
	e.LastHitAt = timePtr(lastHitAt)
	e.CreatedAt = e.CreatedAt.UTC()
	e.ExpiresAt = e.ExpiresAt.UTC()
	return &e, nil
}

// PutCachedEmbedding creates or replaces the entry, resetting its hit count.
func (s *Store) PutCachedEmbedding(ctx context.Context, e *types.EmbeddingCacheEntry) error {
	if e == nil || e.TextHash == "" || e.Model == "" || len(e.Vector) == 0 {
		return fmt.Errorf("%w: text hash, model and vector are required", storage.ErrInvalidInput)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (
			text_hash, model, text, vector, dimension, hit_count, last_hit_at, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, 0, NULL, $6, $7)
		ON CONFLICT (text_hash, model) DO UPDATE SET
			text = EXCLUDED.text,
			vector = EXCLUDED.vector,
			dimension = EXCLUDED.dimension,
			hit_count = 0,
			last_hit_at = NULL,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`,
		e.TextHash, e.Model, types.TruncateText(e.Text, types.MaxCachedTextBytes),
		storage.EncodeVector(e.Vector), len(e.Vector), e.CreatedAt.UTC(), e.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to cache embedding: %w", err)
	}
	return nil
}

// RecordEmbeddingHit increments the hit count and sets the last-hit time.
func (s *Store) RecordEmbeddingHit(ctx context.Context, textHash, model string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE embedding_cache SET hit_count = hit_count + 1, last_hit_at = $1
		WHERE text_hash = $2 AND model = $3
	`, at.UTC(), textHash, model)
	if err != nil {
		return fmt.Errorf("postgres: failed to record embedding hit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("embedding %s/%s: %w", model, textHash, storage.ErrNotFound)
	}
	return nil
}

// EmbeddingCacheStats summarises the persisted cache.
func (s *Store) EmbeddingCacheStats(ctx context.Context) (storage.CacheStats, error) {
	var stats storage.CacheStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE expires_at <= NOW()),
		       COALESCE(SUM(hit_count), 0)
		FROM embedding_cache
	`).Scan(&stats.Entries, &stats.Expired, &stats.TotalHits)
	if err != nil {
		return stats, fmt.Errorf("postgres: failed to read cache stats: %w", err)
	}
	return stats, nil
}
