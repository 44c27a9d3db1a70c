package sqlite

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
		FROM embedding_cache WHERE text_hash = ? AND model = ?
	`, textHash, model).Scan(&e.TextHash, &e.Model, &e.Text, &vector, &e.HitCount,
		&lastHitAt, &e.CreatedAt, &e.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("embedding %s/%s: %w", model, textHash, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get cached embedding: %w", err)
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
		) VALUES (?, ?, ?, ?, ?, 0, NULL, ?, ?)
		ON CONFLICT(text_hash, model) DO UPDATE SET
			text = excluded.text,
			vector = excluded.vector,
			dimension = excluded.dimension,
			hit_count = 0,
			last_hit_at = NULL,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`,
		e.TextHash, e.Model, types.TruncateText(e.Text, types.MaxCachedTextBytes),
		storage.EncodeVector(e.Vector), len(e.Vector), e.CreatedAt.UTC(), e.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to cache embedding: %w", err)
	}
	return nil
}

// RecordEmbeddingHit increments the hit count and sets the last-hit time.
func (s *Store) RecordEmbeddingHit(ctx context.Context, textHash, model string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE embedding_cache SET hit_count = hit_count + 1, last_hit_at = ?
		WHERE text_hash = ? AND model = ?
	`, at.UTC(), textHash, model)
	if err != nil {
		return fmt.Errorf("sqlite: failed to record embedding hit: %w", err)
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
		       COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(hit_count), 0)
		FROM embedding_cache
	`, time.Now().UTC()).Scan(&stats.Entries, &stats.Expired, &stats.TotalHits)
	if err != nil {
		return stats, fmt.Errorf("sqlite: failed to read cache stats: %w", err)
	}
	return stats, nil
}
