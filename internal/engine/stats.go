package engine

import (
	"context"
	"fmt"

	"github.com/scrypster/leadbroker/internal/embedcache"
	"github.com/scrypster/leadbroker/internal/storage"
	"github.com/scrypster/leadbroker/pkg/types"
)

// Stats is the operational summary served by the stats endpoint.
type Stats struct {
	EmbeddingCache *embedcache.Stats               `json:"embedding_cache,omitempty"`
	PersistedCache *storage.CacheStats             `json:"persisted_cache,omitempty"`
	Idempotency    map[types.IdempotencyStatus]int `json:"idempotency"`
	Models         []string                        `json:"models,omitempty"`
}

// Stats collects cache and idempotency statistics.
func (o *Orchestrator) Stats(ctx context.Context) (*Stats, error) {
	counts, err := o.guard.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: idempotency counts: %w", err)
	}
	stats := &Stats{Idempotency: counts}

	if o.cache != nil {
		live := o.cache.Stats()
		stats.EmbeddingCache = &live
		stats.Models = o.cache.Models()

		persisted, err := o.cache.PersistedStats(ctx)
		if err != nil {
			return nil, fmt.Errorf("engine: embedding cache stats: %w", err)
		}
		stats.PersistedCache = &persisted
	}
	return stats, nil
}
