// Package idempotency guarantees that each inbound delivery is processed at
// most once while its record is live.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/leadbroker/internal/storage"
	"github.com/scrypster/leadbroker/pkg/types"
)

// DefaultTTL is how long a record blocks redelivery of the same message.
const DefaultTTL = 24 * time.Hour

// Outcome is the admission decision for a delivery.
type Outcome int

// Admission outcomes
const (
	Admitted          Outcome = iota // Caller owns processing and must Complete or Fail
	AlreadyProcessing                // Another worker holds a live record
	AlreadyCompleted                 // Record carries the cached result to replay
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case AlreadyProcessing:
		return "already_processing"
	case AlreadyCompleted:
		return "already_completed"
	}
	return "unknown"
}

// Decision is the result of TryBegin.
type Decision struct {
	Outcome Outcome
	Record  *types.IdempotencyRecord // Existing record when not admitted
}

// Guard is the idempotency guard over a pluggable store (SQL or Redis).
type Guard struct {
	store storage.IdempotencyStore
	ttl   time.Duration
	now   func() time.Time
}

// NewGuard creates a guard. A non-positive ttl uses DefaultTTL.
func NewGuard(store storage.IdempotencyStore, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{store: store, ttl: ttl, now: time.Now}
}

// TryBegin atomically admits the delivery identified by fingerprint when no
// live record exists, or when the existing record expired or failed.
func (g *Guard) TryBegin(ctx context.Context, fingerprint, externalID string) (Decision, error) {
	if fingerprint == "" {
		return Decision{}, fmt.Errorf("%w: empty fingerprint", storage.ErrInvalidInput)
	}

	now := g.now().UTC()
	admitted, existing, err := g.store.BeginProcessing(ctx, &types.IdempotencyRecord{
		Fingerprint:       fingerprint,
		ExternalMessageID: externalID,
		Status:            types.IdempotencyProcessing,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(g.ttl),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("idempotency: begin %s: %w", externalID, err)
	}
	if admitted {
		return Decision{Outcome: Admitted}, nil
	}

	if existing != nil && existing.Status == types.IdempotencyCompleted {
		return Decision{Outcome: AlreadyCompleted, Record: existing}, nil
	}
	return Decision{Outcome: AlreadyProcessing, Record: existing}, nil
}

// Lookup reports how TryBegin would treat fingerprint without admitting it.
// ok is false when the delivery would be admitted: no record exists, or the
// existing one expired or failed.
func (g *Guard) Lookup(ctx context.Context, fingerprint string) (d Decision, ok bool, err error) {
	rec, err := g.store.GetIdempotencyRecord(ctx, fingerprint)
	if errors.Is(err, storage.ErrNotFound) {
		return Decision{Outcome: Admitted}, false, nil
	}
	if err != nil {
		return Decision{}, false, fmt.Errorf("idempotency: lookup: %w", err)
	}
	if rec.Status == types.IdempotencyFailed || !rec.ExpiresAt.After(g.now()) {
		return Decision{Outcome: Admitted}, false, nil
	}
	if rec.Status == types.IdempotencyCompleted {
		return Decision{Outcome: AlreadyCompleted, Record: rec}, true, nil
	}
	return Decision{Outcome: AlreadyProcessing, Record: rec}, true, nil
}

// Complete marks the delivery completed and caches result for replay.
func (g *Guard) Complete(ctx context.Context, fingerprint string, result interface{}) error {
	var payload []byte
	if result != nil {
		var err error
		if payload, err = json.Marshal(result); err != nil {
			return fmt.Errorf("idempotency: failed to marshal result: %w", err)
		}
	}
	if err := g.store.CompleteProcessing(ctx, fingerprint, payload, g.now().UTC()); err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	return nil
}

// Fail marks the delivery failed so a redelivery is admitted again.
func (g *Guard) Fail(ctx context.Context, fingerprint, reason string) error {
	if err := g.store.FailProcessing(ctx, fingerprint, reason, g.now().UTC()); err != nil {
		return fmt.Errorf("idempotency: fail: %w", err)
	}
	return nil
}

// Counts returns the number of records per status.
func (g *Guard) Counts(ctx context.Context) (map[types.IdempotencyStatus]int, error) {
	return g.store.CountIdempotencyByStatus(ctx)
}
