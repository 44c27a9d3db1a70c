package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/scrypster/leadbroker/internal/metrics"
	"github.com/scrypster/leadbroker/internal/storage"
)

// SweepReport counts the rows removed by one sweep.
type SweepReport struct {
	Idempotency int64 `json:"idempotency"`
	Embeddings  int64 `json:"embeddings"`
	Messages    int64 `json:"messages"`
}

// Sweeper periodically purges expired idempotency records, expired embedding
// cache entries and messages older than the retention window. It runs outside
// the request path.
type Sweeper struct {
	store      storage.Sweeper
	interval   time.Duration
	messageTTL time.Duration
	metrics    *metrics.Metrics
	now        func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewSweeper creates a sweeper. Non-positive durations use 1h and 90 days.
func NewSweeper(store storage.Sweeper, interval, messageTTL time.Duration, m *metrics.Metrics) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if messageTTL <= 0 {
		messageTTL = 90 * 24 * time.Hour
	}
	return &Sweeper{
		store:      store,
		interval:   interval,
		messageTTL: messageTTL,
		metrics:    m,
		now:        time.Now,
	}
}

// Start runs an immediate sweep and then one per interval until Stop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("sweeper already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.started = true

	go s.loop(ctx)
	log.Printf("engine: sweeper started (interval %s, message retention %s)", s.interval, s.messageTTL)
	return nil
}

// Stop cancels the loop and waits for an in-flight sweep to finish or ctx
// to expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	done := s.done
	s.started = false
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("engine: warning: sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce runs every purge once. A failing purge does not stop the others.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	now := s.now().UTC()
	var (
		report SweepReport
		errs   []error
	)

	n, err := s.store.PurgeExpiredIdempotency(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("idempotency: %w", err))
	}
	report.Idempotency = n
	s.metrics.Swept("idempotency", n)

	n, err = s.store.PurgeExpiredEmbeddings(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("embeddings: %w", err))
	}
	report.Embeddings = n
	s.metrics.Swept("embeddings", n)

	n, err = s.store.PurgeMessagesBefore(ctx, now.Add(-s.messageTTL))
	if err != nil {
		errs = append(errs, fmt.Errorf("messages: %w", err))
	}
	report.Messages = n
	s.metrics.Swept("messages", n)

	if total := report.Idempotency + report.Embeddings + report.Messages; total > 0 {
		log.Printf("engine: swept %d idempotency records, %d cached embeddings, %d messages",
			report.Idempotency, report.Embeddings, report.Messages)
	}
	return report, errors.Join(errs...)
}
