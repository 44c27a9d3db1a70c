// Package llm provides embedding providers used to vectorise lead messages
// and property listings. Every provider call goes through a circuit breaker.
package llm

import "context"

// EmbeddingGenerator is the interface for generating vector embeddings.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}

// HealthChecker is implemented by providers that can report reachability
// without producing an embedding.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
