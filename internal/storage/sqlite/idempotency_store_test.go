package sqlite

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scrypster/leadbroker/internal/storage"
	"github.com/scrypster/leadbroker/pkg/types"
)

func newRecord(fp string, now time.Time, ttl time.Duration) *types.IdempotencyRecord {
	return &types.IdempotencyRecord{
		Fingerprint:       fp,
		ExternalMessageID: "ext-" + fp[:4],
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
	}
}

func TestBeginProcessing_ConcurrentSingleAdmission(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	fp := types.Fingerprint("+5511", "wamid.1", "preciso hoje")

	const workers = 16
	var (
		admitted atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, existing, err := store.BeginProcessing(ctx, newRecord(fp, now, time.Hour))
			if err != nil {
				t.Errorf("BeginProcessing() failed: %v", err)
				return
			}
			if ok {
				admitted.Add(1)
				return
			}
			if existing == nil || existing.Status != types.IdempotencyProcessing {
				t.Errorf("rejected caller got existing=%+v, want processing record", existing)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 1 {
		t.Errorf("admitted: got %d, want exactly 1", got)
	}
}

func TestBeginProcessing_CompletedCarriesResult(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	fp := types.Fingerprint("+5511", "wamid.2", "oi")

	ok, _, err := store.BeginProcessing(ctx, newRecord(fp, now, time.Hour))
	if err != nil || !ok {
		t.Fatalf("BeginProcessing() = %v, %v; want admitted", ok, err)
	}
	if err := store.CompleteProcessing(ctx, fp, []byte(`{"ok":true}`), now); err != nil {
		t.Fatalf("CompleteProcessing() failed: %v", err)
	}

	ok, existing, err := store.BeginProcessing(ctx, newRecord(fp, now.Add(time.Minute), time.Hour))
	if err != nil {
		t.Fatalf("BeginProcessing() failed: %v", err)
	}
	if ok {
		t.Fatal("BeginProcessing(completed): admitted a duplicate")
	}
	if existing.Status != types.IdempotencyCompleted || string(existing.Result) != `{"ok":true}` {
		t.Errorf("existing: got status=%s result=%s", existing.Status, existing.Result)
	}
}

func TestBeginProcessing_ReadmitsFailedAndExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	failed := types.Fingerprint("+1", "a", "x")
	if ok, _, err := store.BeginProcessing(ctx, newRecord(failed, now, time.Hour)); err != nil || !ok {
		t.Fatalf("BeginProcessing(failed fp) = %v, %v", ok, err)
	}
	if err := store.FailProcessing(ctx, failed, "index down", now); err != nil {
		t.Fatalf("FailProcessing() failed: %v", err)
	}
	rec, err := store.GetIdempotencyRecord(ctx, failed)
	if err != nil {
		t.Fatalf("GetIdempotencyRecord() failed: %v", err)
	}
	if rec.Status != types.IdempotencyFailed || rec.Error != "index down" {
		t.Errorf("failed record: got %+v", rec)
	}
	if ok, _, err := store.BeginProcessing(ctx, newRecord(failed, now.Add(time.Second), time.Hour)); err != nil || !ok {
		t.Errorf("BeginProcessing(after failure) = %v, %v; want admitted", ok, err)
	}

	// A stuck processing record is re-admitted once it expires.
	stuck := types.Fingerprint("+1", "b", "y")
	if ok, _, err := store.BeginProcessing(ctx, newRecord(stuck, now, time.Minute)); err != nil || !ok {
		t.Fatalf("BeginProcessing(stuck fp) = %v, %v", ok, err)
	}
	if ok, _, _ := store.BeginProcessing(ctx, newRecord(stuck, now.Add(30*time.Second), time.Minute)); ok {
		t.Error("BeginProcessing(live processing): admitted before expiry")
	}
	if ok, _, err := store.BeginProcessing(ctx, newRecord(stuck, now.Add(2*time.Minute), time.Minute)); err != nil || !ok {
		t.Errorf("BeginProcessing(expired) = %v, %v; want admitted", ok, err)
	}

	counts, err := store.CountIdempotencyByStatus(ctx)
	if err != nil {
		t.Fatalf("CountIdempotencyByStatus() failed: %v", err)
	}
	if counts[types.IdempotencyProcessing] != 2 {
		t.Errorf("processing count: got %d, want 2", counts[types.IdempotencyProcessing])
	}
}

func TestFinishProcessing_Missing(t *testing.T) {
	store := newTestStore(t)

	err := store.CompleteProcessing(context.Background(), "nope", nil, time.Now())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("CompleteProcessing(missing): got %v, want ErrNotFound", err)
	}
}
