// Package conversation tracks each lead's conversation and its lifecycle
// state (pending, qualified, nurture, closed).
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/leadbroker/internal/metrics"
	"github.com/scrypster/leadbroker/internal/storage"
	"github.com/scrypster/leadbroker/pkg/types"
)

// DefaultHistoryLimit is the number of recent messages returned in a snapshot.
const DefaultHistoryLimit = 20

// Signal is an external qualification decision accompanying a message.
type Signal struct {
	State types.ConversationState `json:"state"`
	Cause types.TransitionCause   `json:"cause"`
}

// Store is the persistence the machine needs.
type Store interface {
	storage.ConversationStore
	storage.MessageStore
}

// Options configures a Machine.
type Options struct {
	HistoryLimit int
	Extractor    *PreferenceExtractor
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Machine applies messages and transitions to conversations. Writers for one
// phone number must be serialised through WithLock; Transition and
// SetUrgencyLocked document whether they take the lock themselves.
type Machine struct {
	store     Store
	locks     *KeyedMutex
	history   int
	extractor *PreferenceExtractor
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewMachine creates a conversation state machine over store.
func NewMachine(store Store, opts Options) *Machine {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Extractor == nil {
		opts.Extractor = NewPreferenceExtractor(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Machine{
		store:     store,
		locks:     NewKeyedMutex(),
		history:   opts.HistoryLimit,
		extractor: opts.Extractor,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
}

// WithLock runs fn as the single writer for phone.
func (m *Machine) WithLock(phone string, fn func() error) error {
	return m.locks.WithLock(phone, fn)
}

// ApplyMessage records msg on the conversation for phone, creating a pending
// conversation when none exists, and returns the resulting snapshot.
// Callers must hold the lock for phone.
//
// Urgency never changes the state. A closed conversation still records the
// message and stays closed. A message whose external id was already recorded
// returns ErrDuplicateDelivery.
func (m *Machine) ApplyMessage(ctx context.Context, phone string, msg *types.InboundMessage, signal *Signal) (*types.ConversationSnapshot, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	conv, created, err := m.getOrCreate(ctx, phone)
	if err != nil {
		return nil, err
	}
	previous := conv.State

	record := msg.ToMessage(uuid.NewString(), conv.ID, m.now().UTC())
	if err := m.store.AppendMessage(ctx, record); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: message %s", types.ErrDuplicateDelivery, msg.ExternalMessageID)
		}
		return nil, fmt.Errorf("conversation: append message: %w", err)
	}

	prefs := m.extractor.Extract(msg.Content)
	conv, err = m.update(ctx, conv, func(c *types.Conversation) error {
		if msg.Timestamp.After(c.LastMessageAt) {
			c.LastMessageAt = msg.Timestamp.UTC()
		}
		c.MessageCount++
		c.Metadata.Preferences = MergePreferences(c.Metadata.Preferences, prefs)
		if signal != nil {
			m.applySignal(c, *signal)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	recent, err := m.store.RecentMessages(ctx, conv.ID, m.history)
	if err != nil {
		return nil, fmt.Errorf("conversation: load history: %w", err)
	}

	if conv.State != previous {
		m.metrics.Transition(string(previous), string(conv.State))
	}

	return &types.ConversationSnapshot{
		Conversation:  *conv,
		Recent:        recent,
		PreviousState: previous,
		Created:       created,
	}, nil
}

// applySignal moves c to the signalled state when the lifecycle allows a
// classifier to do so. Broker and reopen transitions only go through
// Transition. Disallowed signals are logged and ignored so the message is
// still recorded.
func (m *Machine) applySignal(c *types.Conversation, s Signal) {
	if s.State == "" || s.State == c.State {
		return
	}
	if s.Cause == "" {
		s.Cause = types.CauseClassifier
	}
	if s.Cause != types.CauseClassifier {
		log.Printf("conversation: ignoring %s signal for %s: inbound messages carry classifier decisions only", s.Cause, c.PhoneNumber)
		return
	}
	if err := types.CheckTransition(c.State, s.State, s.Cause); err != nil {
		log.Printf("conversation: ignoring signal for %s: %v", c.PhoneNumber, err)
		return
	}
	now := m.now().UTC()
	c.State = s.State
	c.StateUpdatedAt = &now
}

// Transition changes the state of the conversation for phone. It takes the
// lock for phone. A transition to the current state is a no-op.
func (m *Machine) Transition(ctx context.Context, phone string, to types.ConversationState, cause types.TransitionCause) (*types.Conversation, error) {
	if !to.IsValid() {
		return nil, fmt.Errorf("%w: unknown state %q", types.ErrInvalidTransition, to)
	}

	var result *types.Conversation
	err := m.WithLock(phone, func() error {
		conv, err := m.store.GetConversationByPhone(ctx, phone)
		if err != nil {
			return err
		}
		from := conv.State
		if from == to {
			result = conv
			return nil
		}

		conv, err = m.update(ctx, conv, func(c *types.Conversation) error {
			if err := types.CheckTransition(c.State, to, cause); err != nil {
				return err
			}
			now := m.now().UTC()
			c.State = to
			c.StateUpdatedAt = &now
			return nil
		})
		if err != nil {
			return err
		}
		m.metrics.Transition(string(from), string(to))
		result = conv
		return nil
	})
	return result, err
}

// SetUrgencyLocked sets the urgency score of the conversation for phone.
// Callers must hold the lock for phone.
func (m *Machine) SetUrgencyLocked(ctx context.Context, phone string, level int) (*types.Conversation, error) {
	level = types.ClampUrgency(level)
	conv, err := m.store.GetConversationByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if conv.UrgencyScore == level {
		return conv, nil
	}
	return m.update(ctx, conv, func(c *types.Conversation) error {
		c.UrgencyScore = level
		return nil
	})
}

// SetUrgency is SetUrgencyLocked for callers that do not hold the lock.
func (m *Machine) SetUrgency(ctx context.Context, phone string, level int) (*types.Conversation, error) {
	var conv *types.Conversation
	err := m.WithLock(phone, func() error {
		var err error
		conv, err = m.SetUrgencyLocked(ctx, phone, level)
		return err
	})
	return conv, err
}

// RecordOutbound appends a reply sent to the lead. It takes the lock for
// phone; the conversation must exist.
func (m *Machine) RecordOutbound(ctx context.Context, phone, content, externalID string) (*types.Message, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: empty content", types.ErrMalformedMessage)
	}

	var record *types.Message
	err := m.WithLock(phone, func() error {
		conv, err := m.store.GetConversationByPhone(ctx, phone)
		if err != nil {
			return err
		}
		now := m.now().UTC()
		record = &types.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Direction:      types.DirectionOutbound,
			Content:        content,
			Type:           types.MessageText,
			ExternalID:     externalID,
			DeliveryStatus: types.DeliverySent,
			SentAt:         now,
			CreatedAt:      now,
		}
		if err := m.store.AppendMessage(ctx, record); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				return fmt.Errorf("%w: message %s", types.ErrDuplicateDelivery, externalID)
			}
			return fmt.Errorf("conversation: append message: %w", err)
		}
		_, err = m.update(ctx, conv, func(c *types.Conversation) error {
			if now.After(c.LastMessageAt) {
				c.LastMessageAt = now
			}
			c.MessageCount++
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Get returns the conversation for phone.
func (m *Machine) Get(ctx context.Context, phone string) (*types.Conversation, error) {
	return m.store.GetConversationByPhone(ctx, phone)
}

// History returns up to limit recent messages of the conversation for phone.
func (m *Machine) History(ctx context.Context, phone string, limit int) ([]types.Message, error) {
	conv, err := m.store.GetConversationByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	return m.store.RecentMessages(ctx, conv.ID, limit)
}

// List lists conversations, most recently active first.
func (m *Machine) List(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.Conversation], error) {
	return m.store.ListConversations(ctx, opts)
}

func (m *Machine) getOrCreate(ctx context.Context, phone string) (*types.Conversation, bool, error) {
	conv, err := m.store.GetConversationByPhone(ctx, phone)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("conversation: load %s: %w", phone, err)
	}

	conv = types.NewConversation(uuid.NewString(), phone, m.now().UTC())
	err = m.store.CreateConversation(ctx, conv)
	if errors.Is(err, storage.ErrAlreadyExists) {
		// Another process created it first.
		conv, err = m.store.GetConversationByPhone(ctx, phone)
		if err != nil {
			return nil, false, fmt.Errorf("conversation: load %s: %w", phone, err)
		}
		return conv, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("conversation: create %s: %w", phone, err)
	}
	return conv, true, nil
}

// update applies mutate and writes conv with optimistic concurrency. On a
// version conflict the row is reloaded and mutate re-applied once; a second
// conflict returns ErrStateConflict.
func (m *Machine) update(ctx context.Context, conv *types.Conversation, mutate func(*types.Conversation) error) (*types.Conversation, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			fresh, err := m.store.GetConversationByPhone(ctx, conv.PhoneNumber)
			if err != nil {
				return nil, fmt.Errorf("conversation: reload %s: %w", conv.PhoneNumber, err)
			}
			conv = fresh
		}

		next := *conv
		if err := mutate(&next); err != nil {
			return nil, err
		}
		err := m.store.UpdateConversation(ctx, &next)
		if err == nil {
			return &next, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("conversation: update %s: %w", conv.PhoneNumber, err)
		}
	}
	return nil, fmt.Errorf("%w: %s", types.ErrStateConflict, conv.PhoneNumber)
}
