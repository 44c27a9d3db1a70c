// Package search ranks property listings against a lead's request by fusing
// vector similarity with lexical relevance.
package search

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/scrypster/leadbroker/internal/llm"
	"github.com/scrypster/leadbroker/internal/metrics"
	"github.com/scrypster/leadbroker/internal/storage"
	"github.com/scrypster/leadbroker/pkg/types"
)

// Degraded reasons reported on Results.
const (
	ReasonEmbeddingUnavailable = "embedding_unavailable" // Lexical-only ranking
	ReasonRetrievalStale       = "retrieval_unavailable" // Last known result served from cache
)

// minCandidates is the floor on candidates fetched from each index query.
const minCandidates = 30

// Result is one ranked property.
type Result struct {
	Property      types.Property `json:"property"`
	VectorScore   float64        `json:"vector_score"`
	TextScore     float64        `json:"text_score"`
	CombinedScore float64        `json:"combined_score"`
	AlreadyShown  bool           `json:"already_shown,omitempty"`
}

// Results is a ranked result list. An empty Items slice is a valid answer.
type Results struct {
	Items          []Result `json:"items"`
	Degraded       bool     `json:"degraded"`
	DegradedReason string   `json:"degraded_reason,omitempty"`
}

// Options configures an Engine.
type Options struct {
	Dimension                int
	VectorWeight             float64 // default: 0.7
	TextWeight               float64 // default: 0.3
	LexicalFallbackThreshold float64

	// Timeout bounds each index query (default: 3s).
	Timeout time.Duration

	// EmbedTimeout bounds query embedding in SearchText; 0 relies on the provider.
	EmbedTimeout time.Duration

	// CacheSize is the number of recent results kept for retrieval outages;
	// 0 disables the cache.
	CacheSize int
	CacheTTL  time.Duration

	Metrics *metrics.Metrics
}

// Engine is the hybrid search engine.
type Engine struct {
	index    storage.PropertyIndex
	embedder llm.EmbeddingGenerator
	opts     Options
	recent   *expirable.LRU[string, *Results]
}

// NewEngine creates an engine over index. embedder computes query embeddings
// for SearchText and is normally an embedding cache bound to one model.
func NewEngine(index storage.PropertyIndex, embedder llm.EmbeddingGenerator, opts Options) *Engine {
	if opts.VectorWeight == 0 && opts.TextWeight == 0 {
		opts.VectorWeight, opts.TextWeight = 0.7, 0.3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}

	e := &Engine{index: index, embedder: embedder, opts: opts}
	if opts.CacheSize > 0 {
		e.recent = expirable.NewLRU[string, *Results](opts.CacheSize, nil, opts.CacheTTL)
	}
	return e
}

// SimilarityFromDistance maps a cosine distance in [0, 2] to a similarity in
// [0, 1]. Every vector score in the engine goes through this function.
func SimilarityFromDistance(distance float64) float64 {
	return clamp01(1 - distance/2)
}

// TextScore maps an unbounded non-negative lexical rank into [0, 1).
func TextScore(rank float64) float64 {
	if rank <= 0 || math.IsNaN(rank) {
		return 0
	}
	return rank / (1 + rank)
}

// Search ranks active properties for queryText and its embedding. Only results
// with a combined score above threshold are returned, at most maxResults.
func (e *Engine) Search(ctx context.Context, queryText string, queryEmbedding []float32, threshold float64, maxResults int) (*Results, error) {
	key := cacheKey(queryText, threshold, maxResults) + "\x00" + embeddingKey(queryEmbedding)
	return e.search(ctx, queryText, queryEmbedding, threshold, maxResults, key)
}

// search runs the hybrid ranking and remembers the result under key for
// retrieval outages.
func (e *Engine) search(ctx context.Context, queryText string, queryEmbedding []float32, threshold float64, maxResults int, key string) (*Results, error) {
	if err := e.validate(threshold, maxResults); err != nil {
		return nil, err
	}
	if len(queryEmbedding) != e.opts.Dimension {
		return nil, fmt.Errorf("%w: query embedding has %d dimensions, index has %d",
			storage.ErrInvalidInput, len(queryEmbedding), e.opts.Dimension)
	}

	start := time.Now()
	items, err := e.hybrid(ctx, queryText, queryEmbedding, threshold, maxResults)
	if err != nil {
		return e.fromCache(key, err, start)
	}

	res := &Results{Items: items}
	e.remember(key, res)
	e.opts.Metrics.ObserveSearch("hybrid", len(items), time.Since(start))
	return res, nil
}

// SearchText embeds queryText and runs Search. When the embedding provider
// fails or times out, ranking degrades to lexical relevance only.
func (e *Engine) SearchText(ctx context.Context, queryText string, threshold float64, maxResults int) (*Results, error) {
	if err := e.validate(threshold, maxResults); err != nil {
		return nil, err
	}
	if strings.TrimSpace(queryText) == "" {
		return nil, fmt.Errorf("%w: empty query", storage.ErrInvalidInput)
	}

	// The embedding is derived from the text, so the text alone keys the
	// last known result. The lexical path below can then still reach it.
	key := cacheKey(queryText, threshold, maxResults)
	vec, err := e.embed(ctx, queryText)
	if err == nil {
		return e.search(ctx, queryText, vec, threshold, maxResults, key)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	log.Printf("search: warning: query embedding failed, ranking lexically: %v", err)

	start := time.Now()
	items, err := e.lexical(ctx, queryText, maxResults)
	if err != nil {
		return e.fromCache(key, err, start)
	}

	e.opts.Metrics.ObserveSearch("lexical", len(items), time.Since(start))
	return &Results{Items: items, Degraded: true, DegradedReason: ReasonEmbeddingUnavailable}, nil
}

func (e *Engine) validate(threshold float64, maxResults int) error {
	if maxResults <= 0 {
		return fmt.Errorf("%w: maxResults must be positive, got %d", storage.ErrInvalidInput, maxResults)
	}
	if threshold < 0 || threshold > 1 || math.IsNaN(threshold) {
		return fmt.Errorf("%w: threshold must be in [0,1], got %v", storage.ErrInvalidInput, threshold)
	}
	return nil
}

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("%w: no embedder configured", types.ErrEmbeddingProvider)
	}
	if e.opts.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.EmbedTimeout)
		defer cancel()
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != e.opts.Dimension {
		return nil, fmt.Errorf("%w: query embedding has %d dimensions, index has %d",
			types.ErrEmbeddingProvider, len(vec), e.opts.Dimension)
	}
	return vec, nil
}

type candidate struct {
	property    types.Property
	vectorScore float64
	textScore   float64
}

func (e *Engine) hybrid(ctx context.Context, queryText string, query []float32, threshold float64, maxResults int) ([]Result, error) {
	limit := candidateLimit(maxResults)

	qctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	vectorMatches, err := e.index.VectorSearch(qctx, query, storage.SearchOptions{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %w", types.ErrRetrievalUnavailable, err)
	}

	var textMatches []storage.TextMatch
	if strings.TrimSpace(queryText) != "" {
		textMatches, err = e.index.TextSearch(qctx, queryText, storage.SearchOptions{Limit: limit})
		if err != nil {
			return nil, fmt.Errorf("%w: text search: %w", types.ErrRetrievalUnavailable, err)
		}
	}

	byID := make(map[string]*candidate, len(vectorMatches)+len(textMatches))
	for _, m := range vectorMatches {
		if !m.Property.IsSearchable(e.opts.Dimension) {
			continue
		}
		byID[m.Property.ID] = &candidate{
			property:    m.Property,
			vectorScore: SimilarityFromDistance(m.Distance),
		}
	}
	for _, m := range textMatches {
		if c, ok := byID[m.Property.ID]; ok {
			c.textScore = TextScore(m.Rank)
			continue
		}
		if !m.Property.IsSearchable(e.opts.Dimension) {
			continue
		}
		byID[m.Property.ID] = &candidate{
			property:    m.Property,
			vectorScore: SimilarityFromDistance(storage.CosineDistance(query, m.Property.Embedding)),
			textScore:   TextScore(m.Rank),
		}
	}

	results := make([]Result, 0, len(byID))
	for _, c := range byID {
		combined := e.opts.VectorWeight*c.vectorScore + e.opts.TextWeight*c.textScore
		if combined <= threshold {
			continue
		}
		results = append(results, Result{
			Property:      c.property,
			VectorScore:   c.vectorScore,
			TextScore:     c.textScore,
			CombinedScore: combined,
		})
	}
	return rank(results, maxResults), nil
}

func (e *Engine) lexical(ctx context.Context, queryText string, maxResults int) ([]Result, error) {
	qctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	matches, err := e.index.TextSearch(qctx, queryText, storage.SearchOptions{Limit: candidateLimit(maxResults)})
	if err != nil {
		return nil, fmt.Errorf("%w: text search: %w", types.ErrRetrievalUnavailable, err)
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		if !m.Property.IsSearchable(e.opts.Dimension) {
			continue
		}
		score := TextScore(m.Rank)
		if score <= e.opts.LexicalFallbackThreshold {
			continue
		}
		results = append(results, Result{Property: m.Property, TextScore: score, CombinedScore: score})
	}
	return rank(results, maxResults), nil
}

// rank sorts by combined score, then most recently synced, then ID, and
// truncates to maxResults.
func rank(results []Result, maxResults int) []Result {
	slices.SortFunc(results, func(a, b Result) int {
		switch {
		case a.CombinedScore > b.CombinedScore:
			return -1
		case a.CombinedScore < b.CombinedScore:
			return 1
		}
		if c := b.Property.LastSyncAt.Compare(a.Property.LastSyncAt); c != 0 {
			return c
		}
		return strings.Compare(a.Property.ID, b.Property.ID)
	})
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}

func (e *Engine) remember(key string, res *Results) {
	if e.recent == nil {
		return
	}
	e.recent.Add(key, cloneResults(res))
}

// fromCache serves the last known result for key when retrieval failed.
func (e *Engine) fromCache(key string, cause error, start time.Time) (*Results, error) {
	if e.recent != nil && errors.Is(cause, types.ErrRetrievalUnavailable) {
		if cached, ok := e.recent.Get(key); ok {
			log.Printf("search: warning: serving cached result: %v", cause)
			res := cloneResults(cached)
			res.Degraded = true
			res.DegradedReason = ReasonRetrievalStale
			e.opts.Metrics.ObserveSearch("cached", len(res.Items), time.Since(start))
			return res, nil
		}
	}
	e.opts.Metrics.ObserveSearch("failed", 0, time.Since(start))
	return nil, cause
}

func candidateLimit(maxResults int) int {
	return max(3*maxResults, minCandidates)
}

func cacheKey(query string, threshold float64, maxResults int) string {
	return fmt.Sprintf("%s\x00%.4f\x00%d", strings.ToLower(strings.TrimSpace(query)), threshold, maxResults)
}

// embeddingKey fingerprints a query vector for the result cache.
func embeddingKey(v []float32) string {
	h := fnv.New64a()
	var buf [4]byte
	for _, f := range v {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
		_, _ = h.Write(buf[:])
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func cloneResults(r *Results) *Results {
	out := *r
	out.Items = slices.Clone(r.Items)
	if out.Items == nil {
		out.Items = []Result{}
	}
	return &out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
