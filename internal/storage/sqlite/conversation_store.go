package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/leadbroker/internal/storage"
	"github.com/scrypster/leadbroker/pkg/types"
)

const conversationColumns = `
	id, phone_number, state, urgency_score, last_message_at, message_count,
	metadata, state_updated_at, version, created_at, updated_at`

// GetConversationByPhone returns the conversation for phone.
func (s *Store) GetConversationByPhone(ctx context.Context, phone string) (*types.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE phone_number = ?`, phone)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", phone, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get conversation: %w", err)
	}
	return conv, nil
}

// CreateConversation inserts a new conversation with Version 1.
func (s *Store) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	if conv == nil || conv.ID == "" || conv.PhoneNumber == "" {
		return fmt.Errorf("%w: conversation id and phone number are required", storage.ErrInvalidInput)
	}
	if !conv.State.IsValid() {
		return fmt.Errorf("%w: unknown state %q", storage.ErrInvalidInput, conv.State)
	}

	metadata, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	conv.UrgencyScore = types.ClampUrgency(conv.UrgencyScore)
	conv.Version = 1

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		conv.ID, conv.PhoneNumber, string(conv.State), conv.UrgencyScore,
		nullTime(conv.LastMessageAt), conv.MessageCount, string(metadata),
		nullTimePtr(conv.StateUpdatedAt), conv.Version,
		conv.CreatedAt.UTC(), conv.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("conversation %s: %w", conv.PhoneNumber, storage.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("sqlite: failed to create conversation: %w", err)
	}
	return nil
}

// UpdateConversation writes conv when its Version matches the stored row.
func (s *Store) UpdateConversation(ctx context.Context, conv *types.Conversation) error {
	if conv == nil || conv.ID == "" {
		return storage.ErrInvalidInput
	}
	if !conv.State.IsValid() {
		return fmt.Errorf("%w: unknown state %q", storage.ErrInvalidInput, conv.State)
	}

	metadata, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	conv.UpdatedAt = time.Now().UTC()
	conv.UrgencyScore = types.ClampUrgency(conv.UrgencyScore)

	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET
			state = ?, urgency_score = ?, last_message_at = ?, message_count = ?,
			metadata = ?, state_updated_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`,
		string(conv.State), conv.UrgencyScore, nullTime(conv.LastMessageAt), conv.MessageCount,
		string(metadata), nullTimePtr(conv.StateUpdatedAt), conv.UpdatedAt,
		conv.ID, conv.Version,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update conversation: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conv.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("conversation %s: %w", conv.ID, storage.ErrNotFound)
		}
		return fmt.Errorf("conversation %s version %d: %w", conv.ID, conv.Version, storage.ErrConflict)
	}

	conv.Version++
	return nil
}

// ListConversations lists conversations, most recently active first.
func (s *Store) ListConversations(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.Conversation], error) {
	opts.Normalize()

	var (
		where []string
		args  []interface{}
	)
	if opts.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(opts.State))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("sqlite: failed to count conversations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations`+clause+
			` ORDER BY last_message_at DESC, id LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []types.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan conversation: %w", err)
		}
		items = append(items, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to iterate conversations: %w", err)
	}

	return storage.NewPage(items, total, opts), nil
}

func scanConversation(row scanner) (*types.Conversation, error) {
	var (
		conv           types.Conversation
		state          string
		lastMessageAt  sql.NullTime
		stateUpdatedAt sql.NullTime
		metadata       sql.NullString
	)

	err := row.Scan(
		&conv.ID, &conv.PhoneNumber, &state, &conv.UrgencyScore, &lastMessageAt,
		&conv.MessageCount, &metadata, &stateUpdatedAt, &conv.Version,
		&conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	conv.State = types.ConversationState(state)
	if lastMessageAt.Valid {
		conv.LastMessageAt = lastMessageAt.Time.UTC()
	}
	conv.StateUpdatedAt = timePtr(stateUpdatedAt)
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.UpdatedAt = conv.UpdatedAt.UTC()

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &conv, nil
}

// AppendMessage inserts msg.
func (s *Store) AppendMessage(ctx context.Context, msg *types.Message) error {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return fmt.Errorf("%w: message id and conversation id are required", storage.ErrInvalidInput)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = msg.CreatedAt
	}
	if msg.Type == "" {
		msg.Type = types.MessageText
	}
	if msg.DeliveryStatus == "" {
		msg.DeliveryStatus = types.DeliveryReceived
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, conversation_id, direction, content, type,
			external_id, delivery_status, sent_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID, msg.ConversationID, string(msg.Direction), msg.Content, string(msg.Type),
		nullableString(msg.ExternalID), string(msg.DeliveryStatus),
		msg.SentAt.UTC(), msg.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("message %s: %w", msg.ExternalID, storage.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("sqlite: failed to append message: %w", err)
	}
	return nil
}

const messageColumns = `
	id, conversation_id, direction, content, type,
	external_id, delivery_status, sent_at, created_at`

// RecentMessages returns up to limit messages, newest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]types.Message, error) {
	if limit < 1 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at DESC, created_at DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []types.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// GetMessageByExternalID returns the message with the transport id.
func (s *Store) GetMessageByExternalID(ctx context.Context, externalID string) (*types.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE external_id = ?`, externalID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", externalID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get message: %w", err)
	}
	return m, nil
}

func scanMessage(row scanner) (*types.Message, error) {
	var (
		m                        types.Message
		direction, typ, delivery string
		externalID               sql.NullString
	)
	err := row.Scan(&m.ID, &m.ConversationID, &direction, &m.Content, &typ,
		&externalID, &delivery, &m.SentAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Direction = types.Direction(direction)
	m.Type = types.MessageType(typ)
	m.DeliveryStatus = types.DeliveryStatus(delivery)
	m.ExternalID = externalID.String
	m.SentAt = m.SentAt.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}
