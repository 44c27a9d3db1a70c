package catalog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/leadbroker/internal/storage"
	"github.com/scrypster/leadbroker/internal/storage/sqlite"
	"github.com/scrypster/leadbroker/pkg/types"
)

type countingEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  func(text string) bool
}

func (e *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.fail != nil && e.fail(text) {
		return nil, types.ErrEmbeddingProvider
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func (e *countingEmbedder) GetModel() string { return "test-model" }

func (e *countingEmbedder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func newTestSyncer(t *testing.T, embedder *countingEmbedder) (*Syncer, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewSyncer(store, embedder, 3), store
}

func listing(id, title string, price float64) *types.Property {
	return &types.Property{
		ID:          id,
		Title:       title,
		Description: "Apartamento com varanda",
		Price:       price,
		Bedrooms:    2,
		Address:     types.Address{Neighborhood: "Batel", City: "Curitiba"},
	}
}

func TestUpsert_EmbedsNewProperty(t *testing.T) {
	emb := &countingEmbedder{}
	s, store := newTestSyncer(t, emb)
	ctx := context.Background()

	res, err := s.Upsert(ctx, listing("p1", "Apto Batel", 500000))
	require.NoError(t, err)
	assert.True(t, res.Reembedded)
	assert.False(t, res.EmbeddingPending)

	got, err := store.GetProperty(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, got.Embedding, 3)
	assert.Equal(t, "test-model", got.EmbeddingModel)
	assert.Equal(t, types.PropertyActive, got.Status)
	assert.Equal(t, got.ComputeContentHash(), got.ContentHash)
}

func TestUpsert_ReusesEmbeddingWhenContentUnchanged(t *testing.T) {
	emb := &countingEmbedder{}
	s, _ := newTestSyncer(t, emb)
	ctx := context.Background()

	_, err := s.Upsert(ctx, listing("p1", "Apto Batel", 500000))
	require.NoError(t, err)

	// A URL change does not touch the searchable content.
	p := listing("p1", "Apto Batel", 500000)
	p.URL = "https://example.com/p1"
	res, err := s.Upsert(ctx, p)
	require.NoError(t, err)
	assert.False(t, res.Reembedded)
	assert.Equal(t, 1, emb.count())
	assert.Len(t, res.Property.Embedding, 3)
}

func TestUpsert_ReembedsOnContentChange(t *testing.T) {
	emb := &countingEmbedder{}
	s, _ := newTestSyncer(t, emb)
	ctx := context.Background()

	_, err := s.Upsert(ctx, listing("p1", "Apto Batel", 500000))
	require.NoError(t, err)

	res, err := s.Upsert(ctx, listing("p1", "Apto Batel", 450000))
	require.NoError(t, err)
	assert.True(t, res.Reembedded)
	assert.Equal(t, 2, emb.count())
}

func TestUpsert_EmbeddingFailureStoresWithoutVector(t *testing.T) {
	emb := &countingEmbedder{fail: func(string) bool { return true }}
	s, store := newTestSyncer(t, emb)
	ctx := context.Background()

	res, err := s.Upsert(ctx, listing("p1", "Apto Batel", 500000))
	require.NoError(t, err)
	assert.True(t, res.EmbeddingPending)

	got, err := store.GetProperty(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, got.Embedding)
	assert.False(t, got.IsSearchable(3))
}

func TestUpsert_Invalid(t *testing.T) {
	s, _ := newTestSyncer(t, &countingEmbedder{})
	_, err := s.Upsert(context.Background(), &types.Property{ID: "x"})
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))

	_, err = s.Upsert(context.Background(), nil)
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))
}

func TestSetStatus(t *testing.T) {
	s, _ := newTestSyncer(t, &countingEmbedder{})
	ctx := context.Background()

	_, err := s.Upsert(ctx, listing("p1", "Apto Batel", 500000))
	require.NoError(t, err)

	require.NoError(t, s.SetStatus(ctx, "p1", types.PropertySold))
	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, types.PropertySold, got.Status)
	assert.Len(t, got.Embedding, 3, "soft delete keeps the embedding")

	err = s.SetStatus(ctx, "p1", "demolished")
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))
	assert.Error(t, s.SetStatus(ctx, "missing", types.PropertyActive))
}

func TestBackfill(t *testing.T) {
	emb := &countingEmbedder{fail: func(text string) bool { return strings.Contains(text, "broken") }}
	s, store := newTestSyncer(t, emb)
	ctx := context.Background()

	// Seed rows directly, without embeddings.
	for _, p := range []*types.Property{
		listing("a", "Casa a", 1), listing("b", "Casa b", 2), listing("c", "Casa c", 3),
		listing("d", "Casa d", 4), listing("e", "Casa broken", 5),
	} {
		require.NoError(t, store.UpsertProperty(ctx, p))
	}
	sold := listing("f", "Casa f", 6)
	sold.Status = types.PropertySold
	require.NoError(t, store.UpsertProperty(ctx, sold))

	report, err := s.Backfill(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Embedded)
	assert.Equal(t, 1, report.Failed)

	page, err := store.ListProperties(ctx, storage.ListOptions{PropertyStatus: types.PropertyActive, MissingEmbedding: true})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "e", page.Items[0].ID)

	f, err := store.GetProperty(ctx, "f")
	require.NoError(t, err)
	assert.Empty(t, f.Embedding, "inactive listings are not backfilled")

	// Re-running only retries what is still missing.
	before := emb.count()
	report, err = s.Backfill(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Embedded)
	assert.Equal(t, before+1, emb.count())
}

func TestBackfill_PagesPastFailures(t *testing.T) {
	emb := &countingEmbedder{fail: func(text string) bool { return strings.Contains(text, "broken") }}
	s, store := newTestSyncer(t, emb)
	ctx := context.Background()

	// Listed by id: the failing rows fill the first page.
	for _, p := range []*types.Property{
		listing("a1", "Casa broken 1", 1), listing("a2", "Casa broken 2", 2), listing("a3", "Casa broken 3", 3),
		listing("b1", "Casa b1", 4), listing("b2", "Casa b2", 5),
	} {
		require.NoError(t, store.UpsertProperty(ctx, p))
	}

	report, err := s.Backfill(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, BackfillReport{Scanned: 5, Embedded: 2, Failed: 3}, report)

	for _, id := range []string{"b1", "b2"} {
		p, err := store.GetProperty(ctx, id)
		require.NoError(t, err)
		assert.NotEmpty(t, p.Embedding, id)
	}
}

func TestBackfill_NoEmbedder(t *testing.T) {
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, err = NewSyncer(store, nil, 3).Backfill(context.Background(), 10)
	assert.True(t, errors.Is(err, types.ErrEmbeddingProvider))
}
