// Package catalog keeps the property index in sync with the external listing
// source and makes sure every active property carries an embedding.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/scrypster/leadbroker/internal/llm"
	"github.com/scrypster/leadbroker/internal/storage"
	"github.com/scrypster/leadbroker/pkg/types"
)

// DefaultBatchSize is the backfill page size.
const DefaultBatchSize = 50

// maxBatchSize matches the largest page ListProperties returns.
const maxBatchSize = 200

// UpsertResult describes what Upsert did with a property.
type UpsertResult struct {
	Property         *types.Property `json:"property"`
	Reembedded       bool            `json:"reembedded"`
	EmbeddingPending bool            `json:"embedding_pending"`
}

// BackfillReport summarises a Backfill run.
type BackfillReport struct {
	Scanned  int `json:"scanned"`
	Embedded int `json:"embedded"`
	Failed   int `json:"failed"`
}

// Syncer writes listings into the property index, embedding them when their
// searchable content changes.
type Syncer struct {
	index     storage.PropertyIndex
	embedder  llm.EmbeddingGenerator
	dimension int
	now       func() time.Time
}

// NewSyncer creates a Syncer. embedder may be nil, in which case properties
// are stored without embeddings until a later Backfill.
func NewSyncer(index storage.PropertyIndex, embedder llm.EmbeddingGenerator, dimension int) *Syncer {
	return &Syncer{
		index:     index,
		embedder:  embedder,
		dimension: dimension,
		now:       time.Now,
	}
}

// Upsert creates or replaces p. The existing embedding is reused while the
// content hash is unchanged; otherwise the property is re-embedded. An
// embedding failure does not fail the upsert: the property is stored without
// a vector and reported as pending.
func (s *Syncer) Upsert(ctx context.Context, p *types.Property) (*UpsertResult, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: property is required", storage.ErrInvalidInput)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if p.Status == "" {
		p.Status = types.PropertyActive
	}

	existing, err := s.index.GetProperty(ctx, p.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("catalog: load %s: %w", p.ID, err)
	}

	hash := p.ComputeContentHash()
	p.Embedding = nil
	p.EmbeddingModel = ""
	p.ContentHash = ""
	if existing != nil {
		p.CreatedAt = existing.CreatedAt
		if existing.ContentHash == hash && !existing.NeedsEmbedding(s.dimension) {
			p.Embedding = existing.Embedding
			p.EmbeddingModel = existing.EmbeddingModel
			p.ContentHash = hash
		}
	}

	result := &UpsertResult{Property: p}
	if len(p.Embedding) == 0 {
		if err := s.embed(ctx, p); err != nil {
			log.Printf("catalog: warning: embedding property %s failed, stored without vector: %v", p.ID, err)
			result.EmbeddingPending = true
		} else {
			result.Reembedded = true
		}
	}

	p.LastSyncAt = s.now().UTC()
	if err := s.index.UpsertProperty(ctx, p); err != nil {
		return nil, fmt.Errorf("catalog: upsert %s: %w", p.ID, err)
	}
	return result, nil
}

// SetStatus changes the listing status of a property. Sold, rented and
// inactive properties drop out of search but keep their embedding.
func (s *Syncer) SetStatus(ctx context.Context, id string, status types.PropertyStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", storage.ErrInvalidInput, status)
	}
	return s.index.UpdatePropertyStatus(ctx, id, status)
}

// Get returns a property by id.
func (s *Syncer) Get(ctx context.Context, id string) (*types.Property, error) {
	return s.index.GetProperty(ctx, id)
}

// Backfill embeds active properties that have no embedding, batchSize at a
// time, until every one has been tried once. Embedded properties leave the
// listing while failed ones stay in place, so each round pages past the
// failures seen so far. It is safe to re-run.
func (s *Syncer) Backfill(ctx context.Context, batchSize int) (BackfillReport, error) {
	var report BackfillReport
	if s.embedder == nil {
		return report, fmt.Errorf("catalog: backfill: %w", types.ErrEmbeddingProvider)
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	batchSize = min(batchSize, maxBatchSize)

	failed := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		page, err := s.index.ListProperties(ctx, storage.ListOptions{
			Page:             len(failed)/batchSize + 1,
			Limit:            batchSize,
			PropertyStatus:   types.PropertyActive,
			MissingEmbedding: true,
		})
		if err != nil {
			return report, fmt.Errorf("catalog: list missing embeddings: %w", err)
		}

		tried := 0
		for i := range page.Items {
			p := page.Items[i]
			if failed[p.ID] {
				continue
			}
			tried++
			report.Scanned++
			if err := s.embed(ctx, &p); err != nil {
				log.Printf("catalog: warning: backfill %s: %v", p.ID, err)
				failed[p.ID] = true
				report.Failed++
				continue
			}
			if err := s.index.UpsertProperty(ctx, &p); err != nil {
				return report, fmt.Errorf("catalog: store embedding %s: %w", p.ID, err)
			}
			report.Embedded++
		}
		if tried == 0 {
			break
		}
	}

	if report.Scanned > 0 {
		log.Printf("catalog: backfill embedded %d of %d properties (%d failed)", report.Embedded, report.Scanned, report.Failed)
	}
	return report, nil
}

func (s *Syncer) embed(ctx context.Context, p *types.Property) error {
	if s.embedder == nil {
		return types.ErrEmbeddingProvider
	}
	vec, err := s.embedder.Embed(ctx, p.SearchableText())
	if err != nil {
		return err
	}
	if s.dimension > 0 && len(vec) != s.dimension {
		return fmt.Errorf("%w: got %d dimensions, want %d", types.ErrEmbeddingProvider, len(vec), s.dimension)
	}
	p.Embedding = vec
	p.EmbeddingModel = s.embedder.GetModel()
	p.ContentHash = p.ComputeContentHash()
	return nil
}
