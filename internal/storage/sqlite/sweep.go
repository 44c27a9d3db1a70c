package sqlite

import (
	"context"
	"fmt"
	"time"
)

// PurgeExpiredIdempotency deletes idempotency records past their expiry.
func (s *Store) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	return s.purge(ctx, `DELETE FROM webhook_idempotency WHERE expires_at <= ?`, now)
}

// PurgeExpiredEmbeddings deletes cache entries past their expiry.
func (s *Store) PurgeExpiredEmbeddings(ctx context.Context, now time.Time) (int64, error) {
	return s.purge(ctx, `DELETE FROM embedding_cache WHERE expires_at <= ?`, now)
}

// PurgeMessagesBefore deletes messages sent before cutoff.
func (s *Store) PurgeMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purge(ctx, `DELETE FROM messages WHERE sent_at < ?`, cutoff)
}

func (s *Store) purge(ctx context.Context, query string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge rows affected: %w", err)
	}
	return n, nil
}
