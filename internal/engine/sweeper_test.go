package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/leadbroker/internal/storage/sqlite"
	"github.com/scrypster/leadbroker/pkg/types"
)

func TestSweepOnce(t *testing.T) {
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	// One expired and one live idempotency record.
	for fp, expires := range map[string]time.Time{
		"expired": now.Add(-time.Minute),
		"live":    now.Add(time.Hour),
	} {
		_, _, err := store.BeginProcessing(ctx, &types.IdempotencyRecord{
			Fingerprint: fp, ExternalMessageID: fp,
			CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: expires,
		})
		require.NoError(t, err)
	}

	// One expired embedding.
	require.NoError(t, store.PutCachedEmbedding(ctx, &types.EmbeddingCacheEntry{
		TextHash: types.TextHash("old"), Text: "old", Model: "m", Vector: []float32{1},
		CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))

	// One message past retention, one recent.
	conv := types.NewConversation("c1", testPhone, now)
	require.NoError(t, store.CreateConversation(ctx, conv))
	for id, sent := range map[string]time.Time{
		"old": now.Add(-100 * 24 * time.Hour),
		"new": now.Add(-time.Hour),
	} {
		require.NoError(t, store.AppendMessage(ctx, &types.Message{
			ID: id, ConversationID: "c1", Direction: types.DirectionInbound,
			Content: id, Type: types.MessageText, ExternalID: id,
			DeliveryStatus: types.DeliveryReceived, SentAt: sent, CreatedAt: sent,
		}))
	}

	s := NewSweeper(store, time.Hour, 90*24*time.Hour, nil)
	report, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Idempotency: 1, Embeddings: 1, Messages: 1}, report)

	msgs, err := store.RecentMessages(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", msgs[0].ID)

	_, err = store.GetIdempotencyRecord(ctx, "live")
	assert.NoError(t, err)
}

type brokenSweeper struct{ calls int }

func (b *brokenSweeper) PurgeExpiredIdempotency(context.Context, time.Time) (int64, error) {
	b.calls++
	return 0, errors.New("locked")
}

func (b *brokenSweeper) PurgeExpiredEmbeddings(context.Context, time.Time) (int64, error) {
	b.calls++
	return 2, nil
}

func (b *brokenSweeper) PurgeMessagesBefore(context.Context, time.Time) (int64, error) {
	b.calls++
	return 0, nil
}

func TestSweepOnce_ContinuesAfterFailure(t *testing.T) {
	b := &brokenSweeper{}
	report, err := NewSweeper(b, 0, 0, nil).SweepOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 3, b.calls)
	assert.Equal(t, int64(2), report.Embeddings)
}

func TestSweeper_StartStop(t *testing.T) {
	b := &brokenSweeper{}
	s := NewSweeper(b, time.Hour, 0, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}
