package urgency

import (
	"context"
	"errors"
	"log"

	"github.com/scrypster/leadbroker/pkg/types"
)

// Notifier delivers alerts to brokers. Delivery failures are reported to the
// caller, which logs them; they never fail message processing.
type Notifier interface {
	Notify(ctx context.Context, alert *types.UrgencyAlert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, alert *types.UrgencyAlert) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, alert *types.UrgencyAlert) error {
	return f(ctx, alert)
}

// LogNotifier writes alerts to the process log.
type LogNotifier struct{}

// Notify logs alert.
func (LogNotifier) Notify(_ context.Context, alert *types.UrgencyAlert) error {
	log.Printf("urgency: ALERT level %d for %s (message %s): %s",
		alert.Level, alert.PhoneNumber, alert.MessageExternalID, alert.Reason)
	return nil
}

// FanOut delivers to every notifier and joins their errors.
type FanOut []Notifier

// Notify delivers alert to each notifier in order.
func (f FanOut) Notify(ctx context.Context, alert *types.UrgencyAlert) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
