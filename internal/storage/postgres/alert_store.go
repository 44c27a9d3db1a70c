package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/leadbroker/internal/storage"
	"github.com/scrypster/leadbroker/pkg/types"
)

const alertColumns = `
	id, conversation_id, phone_number, message_external_id, level, reason,
	indicators, suggested_actions, created_at, resolved_at, resolved_by`

// CreateAlert inserts alert; one per (conversation, triggering message).
func (s *Store) CreateAlert(ctx context.Context, alert *types.UrgencyAlert) error {
	if alert == nil || alert.ID == "" || alert.ConversationID == "" || alert.MessageExternalID == "" {
		return fmt.Errorf("%w: alert id, conversation id and message id are required", storage.ErrInvalidInput)
	}
	if alert.Level < types.MinUrgency || alert.Level > types.MaxUrgency {
		return fmt.Errorf("%w: alert level %d out of range", storage.ErrInvalidInput, alert.Level)
	}

	indicators, err := json.Marshal(alert.Indicators)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal indicators: %w", err)
	}
	actions, err := json.Marshal(alert.SuggestedActions)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal suggested actions: %w", err)
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO urgency_alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		alert.ID, alert.ConversationID, alert.PhoneNumber, alert.MessageExternalID,
		alert.Level, alert.Reason, string(indicators), string(actions),
		alert.CreatedAt.UTC(), nullTimePtr(alert.ResolvedAt), nullableString(alert.ResolvedBy),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("alert for message %s: %w", alert.MessageExternalID, storage.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: failed to create alert: %w", err)
	}
	return nil
}

// ListAlerts lists alerts, newest first.
func (s *Store) ListAlerts(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.UrgencyAlert], error) {
	opts.Normalize()

	var (
		where []string
		args  []interface{}
	)
	if opts.PendingOnly {
		where = append(where, "resolved_at IS NULL")
	}
	if opts.ConversationID != "" {
		args = append(args, opts.ConversationID)
		where = append(where, fmt.Sprintf("conversation_id = $%d", len(args)))
	}
	if opts.MessageExternalID != "" {
		args = append(args, opts.MessageExternalID)
		where = append(where, fmt.Sprintf("message_external_id = $%d", len(args)))
	}
	if opts.MinLevel > 0 {
		args = append(args, opts.MinLevel)
		where = append(where, fmt.Sprintf("level >= $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM urgency_alerts`+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("postgres: failed to count alerts: %w", err)
	}

	query := fmt.Sprintf(`SELECT `+alertColumns+` FROM urgency_alerts`+clause+
		` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, opts.Limit, opts.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []types.UrgencyAlert
	for rows.Next() {
		var (
			a                   types.UrgencyAlert
			indicators, actions []byte
			resolvedAt          sql.NullTime
			resolvedBy          sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.PhoneNumber, &a.MessageExternalID,
			&a.Level, &a.Reason, &indicators, &actions, &a.CreatedAt, &resolvedAt, &resolvedBy); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan alert: %w", err)
		}
		if len(indicators) > 0 {
			_ = json.Unmarshal(indicators, &a.Indicators)
		}
		if len(actions) > 0 {
			_ = json.Unmarshal(actions, &a.SuggestedActions)
		}
		a.CreatedAt = a.CreatedAt.UTC()
		a.ResolvedAt = timePtr(resolvedAt)
		a.ResolvedBy = resolvedBy.String
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to iterate alerts: %w", err)
	}

	return storage.NewPage(items, total, opts), nil
}

// ResolveAlert marks an alert as handled by a broker.
func (s *Store) ResolveAlert(ctx context.Context, id, resolvedBy string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE urgency_alerts SET resolved_at = $1, resolved_by = $2 WHERE id = $3`,
		at.UTC(), nullableString(resolvedBy), id)
	if err != nil {
		return fmt.Errorf("postgres: failed to resolve alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
