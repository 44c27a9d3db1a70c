package urgency

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/leadbroker/internal/metrics"
	"github.com/scrypster/leadbroker/internal/storage"
	"github.com/scrypster/leadbroker/pkg/types"
)

// DefaultAlertThreshold is the minimum level that raises an alert.
const DefaultAlertThreshold = 4

// UrgencySetter writes the urgency score of a conversation. The caller holds
// the per-phone lock; conversation.Machine implements it.
type UrgencySetter interface {
	SetUrgencyLocked(ctx context.Context, phone string, level int) (*types.Conversation, error)
}

// Config configures a Service.
type Config struct {
	AlertThreshold int
	Scorer         ScorerConfig
	Notifier       Notifier
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Evaluation is the outcome of Evaluate.
type Evaluation struct {
	Result       Result
	Conversation *types.Conversation
	Alert        *types.UrgencyAlert // Alert for the message, new or previously created
	AlertCreated bool
}

// Service scores messages, updates conversation urgency and raises alerts.
type Service struct {
	scorer    *Scorer
	alerts    storage.AlertStore
	setter    UrgencySetter
	notifier  Notifier
	threshold int
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewService creates an urgency service.
func NewService(alerts storage.AlertStore, setter UrgencySetter, cfg Config) *Service {
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = DefaultAlertThreshold
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		scorer:    NewScorer(cfg.Scorer),
		alerts:    alerts,
		setter:    setter,
		notifier:  cfg.Notifier,
		threshold: cfg.AlertThreshold,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
}

// Threshold returns the alert threshold.
func (s *Service) Threshold() int {
	return s.threshold
}

// Score rates msg without side effects.
func (s *Service) Score(snap *types.ConversationSnapshot, msg *types.InboundMessage) Result {
	return s.scorer.Score(snap, msg)
}

// Evaluate scores msg, sets the conversation urgency to the new level and,
// when the level reaches the threshold and the delivery was admitted by the
// idempotency guard, records one alert for the message and notifies brokers.
// Callers must hold the lock for the conversation's phone number.
//
// Re-evaluating a message that already has an alert returns that alert
// without notifying again.
func (s *Service) Evaluate(ctx context.Context, snap *types.ConversationSnapshot, msg *types.InboundMessage, admitted bool) (*Evaluation, error) {
	if snap == nil {
		return nil, fmt.Errorf("urgency: %w: nil snapshot", storage.ErrInvalidInput)
	}
	res := s.scorer.Score(snap, msg)
	phone := snap.Conversation.PhoneNumber

	conv, err := s.setter.SetUrgencyLocked(ctx, phone, res.Level)
	if err != nil {
		return nil, fmt.Errorf("urgency: set level for %s: %w", phone, err)
	}
	eval := &Evaluation{Result: res, Conversation: conv}

	if res.Level < s.threshold || !admitted {
		return eval, nil
	}

	alert := &types.UrgencyAlert{
		ID:                uuid.NewString(),
		ConversationID:    conv.ID,
		PhoneNumber:       phone,
		MessageExternalID: msg.ExternalMessageID,
		Level:             res.Level,
		Reason:            strings.Join(res.Reasons, "; "),
		Indicators:        res.Indicators,
		SuggestedActions:  res.SuggestedActions,
		CreatedAt:         s.now().UTC(),
	}

	err = s.alerts.CreateAlert(ctx, alert)
	if errors.Is(err, storage.ErrAlreadyExists) {
		existing, lookupErr := s.existingAlert(ctx, conv.ID, msg.ExternalMessageID)
		if lookupErr != nil {
			log.Printf("urgency: warning: alert for message %s exists but could not be loaded: %v", msg.ExternalMessageID, lookupErr)
		}
		eval.Alert = existing
		return eval, nil
	}
	if err != nil {
		return nil, fmt.Errorf("urgency: create alert: %w", err)
	}

	eval.Alert = alert
	eval.AlertCreated = true
	s.metrics.AlertRaised(alert.Level)

	if err := s.notifier.Notify(ctx, alert); err != nil {
		log.Printf("urgency: warning: notify alert %s: %v", alert.ID, err)
	}
	return eval, nil
}

func (s *Service) existingAlert(ctx context.Context, conversationID, externalID string) (*types.UrgencyAlert, error) {
	page, err := s.alerts.ListAlerts(ctx, storage.ListOptions{
		ConversationID:    conversationID,
		MessageExternalID: externalID,
		Limit:             1,
	})
	if err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, storage.ErrNotFound
	}
	return &page.Items[0], nil
}

// PendingAlerts lists unresolved alerts, newest first.
func (s *Service) PendingAlerts(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.UrgencyAlert], error) {
	opts.PendingOnly = true
	return s.alerts.ListAlerts(ctx, opts)
}

// Resolve marks an alert as handled by broker.
func (s *Service) Resolve(ctx context.Context, id, broker string) error {
	if strings.TrimSpace(broker) == "" {
		return fmt.Errorf("%w: resolved_by is required", storage.ErrInvalidInput)
	}
	return s.alerts.ResolveAlert(ctx, id, broker, s.now().UTC())
}
