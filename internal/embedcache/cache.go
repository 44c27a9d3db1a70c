// Package embedcache memoizes text embeddings in the persistent store so a
// lead message or listing is only sent to the embedding provider once per
// model within the cache TTL.
package embedcache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/scrypster/leadbroker/internal/llm"
	"github.com/scrypster/leadbroker/internal/metrics"
	"github.com/scrypster/leadbroker/internal/storage"
	"github.com/scrypster/leadbroker/pkg/types"
)

// DefaultTTL is the lifetime of a cached embedding.
const DefaultTTL = 30 * 24 * time.Hour

// Stats are in-process counters since the cache was created.
type Stats struct {
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	Coalesced      int64 `json:"coalesced"` // Misses served by another caller's provider request
	ProviderErrors int64 `json:"provider_errors"`
	StoreErrors    int64 `json:"store_errors"`
}

// Options configures a Cache.
type Options struct {
	// Dimension is the expected vector length; other lengths are provider errors.
	Dimension int

	// TTL is the entry lifetime (default: DefaultTTL).
	TTL time.Duration

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Cache is a read-through embedding cache in front of one provider per model.
// Concurrent misses for the same (text, model) share a single provider call.
type Cache struct {
	store     storage.EmbeddingCacheStore
	providers map[string]llm.EmbeddingGenerator
	dimension int
	ttl       time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time

	group singleflight.Group

	hits, misses, coalesced, providerErrors, storeErrors atomic.Int64
}

// New creates a cache over store. Each provider is registered under its
// GetModel() name.
func New(store storage.EmbeddingCacheStore, opts Options, providers ...llm.EmbeddingGenerator) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache{
		store:     store,
		providers: make(map[string]llm.EmbeddingGenerator, len(providers)),
		dimension: opts.Dimension,
		ttl:       opts.TTL,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	for _, p := range providers {
		c.providers[p.GetModel()] = p
	}
	return c
}

// GetOrCompute returns the embedding of text under model, calling the
// provider only on a miss or an expired entry.
func (c *Cache) GetOrCompute(ctx context.Context, text, model string) ([]float32, error) {
	provider, ok := c.providers[model]
	if !ok {
		return nil, fmt.Errorf("%w: no provider registered for model %q", types.ErrEmbeddingProvider, model)
	}

	hash := types.TextHash(text)

	if vec, ok := c.lookup(ctx, hash, model); ok {
		return vec, nil
	}

	leader := false
	ch := c.group.DoChan(hash+"\x00"+model, func() (interface{}, error) {
		leader = true
		// The provider call outlives a cancelled leader so waiters still get a result.
		return c.compute(context.WithoutCancel(ctx), provider, hash, text, model)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", types.ErrEmbeddingProvider, ctx.Err())
	case res := <-ch:
		if leader {
			c.misses.Add(1)
			c.metrics.EmbeddingLookup("miss")
		} else {
			c.coalesced.Add(1)
			c.metrics.EmbeddingLookup("coalesced")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return copyVector(res.Val.([]float32)), nil
	}
}

// lookup returns a live cached vector. Store failures count as a miss.
func (c *Cache) lookup(ctx context.Context, hash, model string) ([]float32, bool) {
	entry, err := c.store.GetCachedEmbedding(ctx, hash, model)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.storeErrors.Add(1)
			log.Printf("embedcache: warning: lookup failed, treating as miss: %v", err)
		}
		return nil, false
	}

	now := c.now()
	if entry.IsExpired(now) {
		return nil, false
	}
	if c.dimension > 0 && len(entry.Vector) != c.dimension {
		return nil, false
	}

	if err := c.store.RecordEmbeddingHit(ctx, hash, model, now); err != nil {
		c.storeErrors.Add(1)
		log.Printf("embedcache: warning: failed to record hit: %v", err)
	}
	c.hits.Add(1)
	c.metrics.EmbeddingLookup("hit")
	return entry.Vector, true
}

func (c *Cache) compute(ctx context.Context, provider llm.EmbeddingGenerator, hash, text, model string) ([]float32, error) {
	vec, err := provider.Embed(ctx, text)
	if err != nil {
		c.providerErrors.Add(1)
		c.metrics.EmbeddingLookup("error")
		return nil, fmt.Errorf("%w: %s: %w", types.ErrEmbeddingProvider, model, err)
	}
	if len(vec) == 0 || (c.dimension > 0 && len(vec) != c.dimension) {
		c.providerErrors.Add(1)
		c.metrics.EmbeddingLookup("error")
		return nil, fmt.Errorf("%w: %s returned %d dimensions, want %d",
			types.ErrEmbeddingProvider, model, len(vec), c.dimension)
	}

	now := c.now()
	err = c.store.PutCachedEmbedding(ctx, &types.EmbeddingCacheEntry{
		TextHash:  hash,
		Text:      text,
		Model:     model,
		Vector:    vec,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	})
	if err != nil {
		c.storeErrors.Add(1)
		log.Printf("embedcache: warning: failed to store embedding: %v", err)
	}
	return vec, nil
}

// Stats returns the in-process counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		Coalesced:      c.coalesced.Load(),
		ProviderErrors: c.providerErrors.Load(),
		StoreErrors:    c.storeErrors.Load(),
	}
}

// PersistedStats summarises the entries held by the store.
func (c *Cache) PersistedStats(ctx context.Context) (storage.CacheStats, error) {
	return c.store.EmbeddingCacheStats(ctx)
}

// Models lists the models with a registered provider.
func (c *Cache) Models() []string {
	models := make([]string, 0, len(c.providers))
	for m := range c.providers {
		models = append(models, m)
	}
	return models
}

// Embedder binds the cache to one model so it can stand in for the provider.
func (c *Cache) Embedder(model string) llm.EmbeddingGenerator {
	return &boundEmbedder{cache: c, model: model}
}

type boundEmbedder struct {
	cache *Cache
	model string
}

func (b *boundEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return b.cache.GetOrCompute(ctx, text, b.model)
}

func (b *boundEmbedder) GetModel() string { return b.model }

func copyVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
