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

// BeginProcessing admits rec in a single upsert statement. PostgreSQL locks
// the conflicting row, so the WHERE clause on the update branch is evaluated
// against the committed record and exactly one concurrent caller observes
// an affected row.
func (s *Store) BeginProcessing(ctx context.Context, rec *types.IdempotencyRecord) (bool, *types.IdempotencyRecord, error) {
	if rec == nil || rec.Fingerprint == "" {
		return false, nil, fmt.Errorf("%w: fingerprint is required", storage.ErrInvalidInput)
	}
	rec.Status = types.IdempotencyProcessing
	rec.UpdatedAt = rec.CreatedAt

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_idempotency (
			fingerprint, external_message_id, status, result, error,
			created_at, updated_at, expires_at
		) VALUES ($1, $2, 'processing', NULL, NULL, $3, $4, $5)
		ON CONFLICT (fingerprint) DO UPDATE SET
			external_message_id = EXCLUDED.external_message_id,
			status = 'processing',
			result = NULL,
			error = NULL,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at
		WHERE webhook_idempotency.expires_at <= EXCLUDED.created_at
		   OR webhook_idempotency.status = 'failed'
	`,
		rec.Fingerprint, rec.ExternalMessageID,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), rec.ExpiresAt.UTC(),
	)
	if err != nil {
		return false, nil, fmt.Errorf("postgres: failed to begin processing: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("postgres: failed to read rows affected: %w", err)
	}
	if n > 0 {
		return true, nil, nil
	}

	existing, err := s.GetIdempotencyRecord(ctx, rec.Fingerprint)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// CompleteProcessing marks the record completed and stores result.
func (s *Store) CompleteProcessing(ctx context.Context, fingerprint string, result []byte, at time.Time) error {
	return s.finishProcessing(ctx, fingerprint, types.IdempotencyCompleted, result, "", at)
}

// FailProcessing marks the record failed.
func (s *Store) FailProcessing(ctx context.Context, fingerprint, reason string, at time.Time) error {
	return s.finishProcessing(ctx, fingerprint, types.IdempotencyFailed, nil, reason, at)
}

func (s *Store) finishProcessing(ctx context.Context, fingerprint string, status types.IdempotencyStatus, result []byte, reason string, at time.Time) error {
	var resultArg sql.NullString
	if len(result) > 0 {
		resultArg = sql.NullString{String: string(result), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_idempotency
		SET status = $1, result = $2, error = $3, updated_at = $4
		WHERE fingerprint = $5
	`, string(status), resultArg, nullableString(reason), at.UTC(), fingerprint)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark %s: %w", status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("idempotency record %s: %w", fingerprint, storage.ErrNotFound)
	}
	return nil
}

// GetIdempotencyRecord returns the record for fingerprint.
func (s *Store) GetIdempotencyRecord(ctx context.Context, fingerprint string) (*types.IdempotencyRecord, error) {
	var (
		rec    types.IdempotencyRecord
		status string
		result []byte
		reason sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, external_message_id, status, result, error,
		       created_at, updated_at, expires_at
		FROM webhook_idempotency WHERE fingerprint = $1
	`, fingerprint).Scan(&rec.Fingerprint, &rec.ExternalMessageID, &status, &result, &reason,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("idempotency record %s: %w", fingerprint, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get idempotency record: %w", err)
	}

	rec.Status = types.IdempotencyStatus(status)
	if len(result) > 0 {
		rec.Result = result
	}
	rec.Error = reason.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return &rec, nil
}

// CountIdempotencyByStatus returns the number of records per status.
func (s *Store) CountIdempotencyByStatus(ctx context.Context) (map[types.IdempotencyStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM webhook_idempotency GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count idempotency records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[types.IdempotencyStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[types.IdempotencyStatus(status)] = n
	}
	return counts, rows.Err()
}
