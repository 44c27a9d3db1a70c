package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/leadbroker/internal/storage"
	"github.com/scrypster/leadbroker/pkg/types"
)

func newTestStore(t *testing.T) (*IdempotencyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := NewIdempotencyStore(client, "test:")
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func record(fp string, created time.Time, ttl time.Duration) *types.IdempotencyRecord {
	return &types.IdempotencyRecord{
		Fingerprint:       fp,
		ExternalMessageID: "wamid.1",
		CreatedAt:         created,
		ExpiresAt:         created.Add(ttl),
	}
}

func TestBeginProcessing_ConcurrentSingleAdmission(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	fp := types.Fingerprint("+5511", "wamid.1", "preciso hoje")

	var (
		admitted atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, existing, err := store.BeginProcessing(ctx, record(fp, now, time.Hour))
			assert.NoError(t, err)
			if ok {
				admitted.Add(1)
			} else if assert.NotNil(t, existing) {
				assert.Equal(t, types.IdempotencyProcessing, existing.Status)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}

func TestBeginProcessing_CompletedReplaysResult(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	fp := types.Fingerprint("+5511", "wamid.2", "oi")

	ok, _, err := store.BeginProcessing(ctx, record(fp, now, time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.CompleteProcessing(ctx, fp, []byte(`{"ok":true}`), now))

	ok, existing, err := store.BeginProcessing(ctx, record(fp, now.Add(time.Minute), time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	require.NotNil(t, existing)
	assert.Equal(t, types.IdempotencyCompleted, existing.Status)
	assert.JSONEq(t, `{"ok":true}`, string(existing.Result))
	assert.Equal(t, "wamid.1", existing.ExternalMessageID)
}

func TestBeginProcessing_ReadmitsFailedAndExpired(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	failed := types.Fingerprint("+1", "a", "x")
	ok, _, err := store.BeginProcessing(ctx, record(failed, now, time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.FailProcessing(ctx, failed, "index down", now))

	rec, err := store.GetIdempotencyRecord(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, types.IdempotencyFailed, rec.Status)
	assert.Equal(t, "index down", rec.Error)

	ok, _, err = store.BeginProcessing(ctx, record(failed, now.Add(time.Second), time.Hour))
	require.NoError(t, err)
	assert.True(t, ok, "failed record must be re-admitted")

	stuck := types.Fingerprint("+1", "b", "y")
	ok, _, err = store.BeginProcessing(ctx, record(stuck, now, time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = store.BeginProcessing(ctx, record(stuck, now.Add(30*time.Second), time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "live processing record must block")

	ok, _, err = store.BeginProcessing(ctx, record(stuck, now.Add(2*time.Minute), time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired processing record must be re-admitted")
}

func TestFinish_Missing(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.CompleteProcessing(context.Background(), "missing", nil, time.Now())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.GetIdempotencyRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCountIdempotencyByStatus(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, id := range []string{"a", "b", "c"} {
		fp := types.Fingerprint("+1", id, "x")
		ok, _, err := store.BeginProcessing(ctx, record(fp, now, time.Hour))
		require.NoError(t, err)
		require.True(t, ok)
		if i == 0 {
			require.NoError(t, store.CompleteProcessing(ctx, fp, []byte(`{}`), now))
		}
	}
	// Keys outside the prefix are ignored.
	require.NoError(t, mr.Set("other", "x"))

	counts, err := store.CountIdempotencyByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.IdempotencyCompleted])
	assert.Equal(t, 2, counts[types.IdempotencyProcessing])
}
