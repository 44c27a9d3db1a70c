package search

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/leadbroker/internal/storage"
	"github.com/scrypster/leadbroker/internal/storage/sqlite"
	"github.com/scrypster/leadbroker/pkg/types"
)

type funcEmbedder func(ctx context.Context, text string) ([]float32, error)

func (f funcEmbedder) Embed(ctx context.Context, text string) ([]float32, error) { return f(ctx, text) }
func (f funcEmbedder) GetModel() string                                          { return "test" }

func fixedEmbedder(vec []float32) funcEmbedder {
	return func(context.Context, string) ([]float32, error) { return vec, nil }
}

// flakyIndex fails every query while down is set.
type flakyIndex struct {
	storage.PropertyIndex
	down atomic.Bool
}

func (f *flakyIndex) VectorSearch(ctx context.Context, q []float32, opts storage.SearchOptions) ([]storage.VectorMatch, error) {
	if f.down.Load() {
		return nil, errors.New("connection refused")
	}
	return f.PropertyIndex.VectorSearch(ctx, q, opts)
}

func (f *flakyIndex) TextSearch(ctx context.Context, q string, opts storage.SearchOptions) ([]storage.TextMatch, error) {
	if f.down.Load() {
		return nil, errors.New("connection refused")
	}
	return f.PropertyIndex.TextSearch(ctx, q, opts)
}

func newTestIndex(t *testing.T, props ...*types.Property) *sqlite.Store {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	for _, p := range props {
		require.NoError(t, store.UpsertProperty(context.Background(), p))
	}
	return store
}

func prop(id, title string, emb []float32) *types.Property {
	return &types.Property{
		ID:          id,
		Title:       title,
		Description: title,
		Embedding:   emb,
		LastSyncAt:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func ids(res *Results) []string {
	out := make([]string, len(res.Items))
	for i, r := range res.Items {
		out[i] = r.Property.ID
	}
	return out
}

func TestSimilarityFromDistance(t *testing.T) {
	tests := []struct {
		distance, want float64
	}{
		{0, 1},
		{1, 0.5},
		{2, 0},
		{-0.1, 1},
		{2.5, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, SimilarityFromDistance(tt.distance), 1e-9, "distance %v", tt.distance)
	}
}

func TestTextScore(t *testing.T) {
	assert.Equal(t, 0.0, TextScore(0))
	assert.Equal(t, 0.0, TextScore(-3))
	assert.InDelta(t, 0.5, TextScore(1), 1e-9)
	assert.InDelta(t, 0.75, TextScore(3), 1e-9)
}

func TestSearch_ExactEmbeddingRanksFirst(t *testing.T) {
	index := newTestIndex(t,
		prop("far", "Terreno rural", []float32{0, 1, 0}),
		prop("exact", "Apartamento Centro", []float32{1, 0, 0}),
		prop("near", "Sala comercial", []float32{0.8, 0.6, 0}),
	)
	engine := NewEngine(index, nil, Options{Dimension: 3})

	res, err := engine.Search(context.Background(), "", []float32{1, 0, 0}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"exact", "near", "far"}, ids(res))

	top := res.Items[0]
	assert.InDelta(t, 1.0, top.VectorScore, 1e-6)
	assert.InDelta(t, 0.7, top.CombinedScore, 1e-6)
	assert.InDelta(t, 0.9, res.Items[1].VectorScore, 1e-6)
	assert.False(t, res.Degraded)
}

func TestSearch_InactiveExcluded(t *testing.T) {
	sold := prop("sold", "Casa com piscina", []float32{1, 0, 0})
	sold.Status = types.PropertySold
	rented := prop("rented", "Casa com piscina", []float32{1, 0, 0})
	rented.Status = types.PropertyRented
	index := newTestIndex(t, sold, rented, prop("active", "Casa com piscina", []float32{0, 1, 0}))
	engine := NewEngine(index, fixedEmbedder([]float32{1, 0, 0}), Options{Dimension: 3})

	res, err := engine.SearchText(context.Background(), "casa piscina", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"active"}, ids(res))
}

func TestSearch_IdenticalTextOrderedByVector(t *testing.T) {
	index := newTestIndex(t,
		prop("c", "Casa com piscina", []float32{0, 1, 0}),
		prop("a", "Casa com piscina", []float32{1, 0, 0}),
		prop("b", "Casa com piscina", []float32{0.8, 0.6, 0}),
	)
	engine := NewEngine(index, nil, Options{Dimension: 3})

	res, err := engine.Search(context.Background(), "casa piscina", []float32{1, 0, 0}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, ids(res))

	for _, r := range res.Items {
		assert.InDelta(t, res.Items[0].TextScore, r.TextScore, 1e-9)
		assert.Greater(t, r.TextScore, 0.0)
	}
}

func TestSearch_ThresholdAndLimit(t *testing.T) {
	index := newTestIndex(t,
		prop("exact", "A", []float32{1, 0, 0}),
		prop("near", "B", []float32{0.8, 0.6, 0}),
		prop("far", "C", []float32{0, 1, 0}),
	)
	engine := NewEngine(index, nil, Options{Dimension: 3})
	ctx := context.Background()

	// exact 0.70, near 0.63, far 0.35
	res, err := engine.Search(ctx, "", []float32{1, 0, 0}, 0.5, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"exact", "near"}, ids(res))

	res, err = engine.Search(ctx, "", []float32{1, 0, 0}, 0.7, 10)
	require.NoError(t, err)
	assert.Empty(t, res.Items, "combined score must exceed the threshold strictly")
	assert.NotNil(t, res.Items)

	res, err = engine.Search(ctx, "", []float32{1, 0, 0}, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"exact"}, ids(res))
}

func TestSearch_TieBreakByRecencyThenID(t *testing.T) {
	older := prop("b-older", "x", []float32{1, 0, 0})
	newer := prop("z-newer", "x", []float32{1, 0, 0})
	newer.LastSyncAt = older.LastSyncAt.Add(time.Hour)
	sameA := prop("a-same", "x", []float32{1, 0, 0})

	index := newTestIndex(t, older, newer, sameA)
	engine := NewEngine(index, nil, Options{Dimension: 3})

	res, err := engine.Search(context.Background(), "", []float32{1, 0, 0}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"z-newer", "a-same", "b-older"}, ids(res))
}

func TestSearch_InvalidInput(t *testing.T) {
	engine := NewEngine(newTestIndex(t), nil, Options{Dimension: 3})
	ctx := context.Background()

	_, err := engine.Search(ctx, "casa", []float32{1, 0}, 0.5, 10)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = engine.Search(ctx, "casa", []float32{1, 0, 0}, 0.5, 0)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = engine.Search(ctx, "casa", []float32{1, 0, 0}, 1.5, 10)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = engine.SearchText(ctx, "   ", 0.5, 10)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestSearch_EmptyIndexIsValid(t *testing.T) {
	engine := NewEngine(newTestIndex(t), nil, Options{Dimension: 3})
	res, err := engine.Search(context.Background(), "casa", []float32{1, 0, 0}, 0.5, 10)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

func TestSearchText_ProviderTimeoutDegradesToLexical(t *testing.T) {
	index := newTestIndex(t,
		prop("pool", "Casa com piscina e churrasqueira", []float32{1, 0, 0}),
		prop("studio", "Studio mobiliado", []float32{0, 1, 0}),
	)
	slow := funcEmbedder(func(ctx context.Context, _ string) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	engine := NewEngine(index, slow, Options{Dimension: 3, EmbedTimeout: 20 * time.Millisecond})

	start := time.Now()
	res, err := engine.SearchText(context.Background(), "piscina churrasqueira", 0.9, 10)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.True(t, res.Degraded)
	assert.Equal(t, ReasonEmbeddingUnavailable, res.DegradedReason)
	require.Equal(t, []string{"pool"}, ids(res))
	assert.Equal(t, 0.0, res.Items[0].VectorScore)
	assert.Equal(t, res.Items[0].TextScore, res.Items[0].CombinedScore)
}

func TestSearchText_ProviderErrorDegrades(t *testing.T) {
	index := newTestIndex(t, prop("pool", "Casa com piscina", []float32{1, 0, 0}))
	broken := funcEmbedder(func(context.Context, string) ([]float32, error) {
		return nil, types.ErrEmbeddingProvider
	})
	engine := NewEngine(index, broken, Options{Dimension: 3, LexicalFallbackThreshold: 0.99})

	res, err := engine.SearchText(context.Background(), "piscina", 0.5, 10)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Empty(t, res.Items, "lexical fallback threshold applies")
}

func TestSearch_RetrievalFailureServesCachedResult(t *testing.T) {
	index := &flakyIndex{PropertyIndex: newTestIndex(t, prop("exact", "Casa", []float32{1, 0, 0}))}
	engine := NewEngine(index, fixedEmbedder([]float32{1, 0, 0}), Options{Dimension: 3, CacheSize: 8})
	ctx := context.Background()

	fresh, err := engine.SearchText(ctx, "casa", 0.5, 5)
	require.NoError(t, err)
	require.Len(t, fresh.Items, 1)

	index.down.Store(true)

	cached, err := engine.SearchText(ctx, "casa", 0.5, 5)
	require.NoError(t, err)
	assert.True(t, cached.Degraded)
	assert.Equal(t, ReasonRetrievalStale, cached.DegradedReason)
	assert.Equal(t, ids(fresh), ids(cached))
	assert.False(t, fresh.Degraded, "cached copy must not alias the original")

	_, err = engine.SearchText(ctx, "apartamento", 0.5, 5)
	assert.ErrorIs(t, err, types.ErrRetrievalUnavailable)
}

func TestSearch_CachedResultIsPerEmbedding(t *testing.T) {
	index := &flakyIndex{PropertyIndex: newTestIndex(t,
		prop("pool", "Casa com piscina", []float32{1, 0, 0}),
		prop("garden", "Casa com jardim", []float32{0, 1, 0}),
	)}
	engine := NewEngine(index, nil, Options{Dimension: 3, CacheSize: 8})
	ctx := context.Background()

	fresh, err := engine.Search(ctx, "casa", []float32{1, 0, 0}, 0.5, 5)
	require.NoError(t, err)
	require.NotEmpty(t, fresh.Items)

	index.down.Store(true)

	cached, err := engine.Search(ctx, "casa", []float32{1, 0, 0}, 0.5, 5)
	require.NoError(t, err)
	assert.Equal(t, ReasonRetrievalStale, cached.DegradedReason)
	assert.Equal(t, ids(fresh), ids(cached))

	_, err = engine.Search(ctx, "casa", []float32{0, 1, 0}, 0.5, 5)
	assert.ErrorIs(t, err, types.ErrRetrievalUnavailable, "another embedding must not reuse the result")
}

// stubIndex returns canned candidates.
type stubIndex struct {
	storage.PropertyIndex
	vector []storage.VectorMatch
	text   []storage.TextMatch
}

func (s *stubIndex) VectorSearch(context.Context, []float32, storage.SearchOptions) ([]storage.VectorMatch, error) {
	return s.vector, nil
}

func (s *stubIndex) TextSearch(context.Context, string, storage.SearchOptions) ([]storage.TextMatch, error) {
	return s.text, nil
}

func TestSearch_TextOnlyCandidateGetsVectorScore(t *testing.T) {
	active := func(id string, emb []float32) types.Property {
		return types.Property{ID: id, Status: types.PropertyActive, Embedding: emb}
	}
	index := &stubIndex{
		vector: []storage.VectorMatch{{Property: active("vec", []float32{0, 1, 0}), Distance: 1}},
		text: []storage.TextMatch{
			{Property: active("lex", []float32{1, 0, 0}), Rank: 1},
			{Property: active("noemb", nil), Rank: 5},
		},
	}
	engine := NewEngine(index, nil, Options{Dimension: 3})

	res, err := engine.Search(context.Background(), "casa", []float32{1, 0, 0}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"lex", "vec"}, ids(res))
	assert.InDelta(t, 1.0, res.Items[0].VectorScore, 1e-9)
	assert.InDelta(t, 0.5, res.Items[0].TextScore, 1e-9)
	assert.InDelta(t, 0.85, res.Items[0].CombinedScore, 1e-9)
}
