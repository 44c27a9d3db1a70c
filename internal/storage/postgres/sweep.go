package postgres

import (
	"context"
	"fmt"
	"time"
)

// PurgeExpiredIdempotency deletes idempotency records past their expiry.
func (s *Store) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	return s.purge(ctx, `DELETE FROM webhook_idempotency WHERE expires_at <= $1`, now)
}

// PurgeExpiredEmbeddings deletes cache entries past their expiry.
func (s *Store) PurgeExpiredEmbeddings(ctx context.Context, now time.Time) (int64, error) {
	return s.purge(ctx, `DELETE FROM embedding_cache WHERE expires_at <= $1`, now)
}

// PurgeMessagesBefore deletes messages sent before cutoff.
func (s *Store) PurgeMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purge(ctx, `DELETE FROM messages WHERE sent_at < $1`, cutoff)
}

func (s *Store) purge(ctx context.Context, query string, at time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, query, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: purge failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to get rows affected: %w", err)
	}
	return n, nil
}
