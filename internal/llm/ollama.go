package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "nomic-embed-text"
)

// OllamaConfig holds Ollama client configuration. Zero values take defaults.
type OllamaConfig struct {
	BaseURL string        // default http://localhost:11434
	Model   string        // default nomic-embed-text
	Timeout time.Duration // per call, default 5s

	// Breaker overrides the default circuit breaker.
	Breaker *CircuitBreaker
}

// OllamaClient embeds text with a local Ollama server.
type OllamaClient struct {
	baseURL string
	model   string
	timeout time.Duration
	http    *http.Client
	breaker *CircuitBreaker
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// embedResponse holds one row per input.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaClient creates an Ollama embedding client.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOllamaModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Breaker == nil {
		cfg.Breaker = NewCircuitBreaker("ollama:" + cfg.Model)
	}
	return &OllamaClient{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: cfg.Breaker,
	}
}

// Embed returns the embedding of text. Failures count against the breaker;
// once it opens, calls fail fast with ErrCircuitOpen.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		var resp embedResponse
		if err := c.call(ctx, http.MethodPost, "/api/embed", embedRequest{Model: c.model, Input: text}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
			return nil, errors.New("ollama: empty embedding")
		}
		return resp.Embeddings[0], nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama: embed with %s: %w", c.model, err)
	}
	return out.([]float32), nil
}

// HealthCheck reports whether the server answers /api/version. It does not
// go through the breaker.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/api/version", nil, nil)
}

// call sends body as JSON to path and decodes the reply into out when out is
// non-nil. Non-200 replies become errors carrying the start of the body.
func (c *OllamaClient) call(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ollama: encode request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("ollama: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("ollama: %s returned %d: %s", path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ollama: decode %s: %w", path, err)
	}
	return nil
}

// GetModel returns the configured model name.
func (c *OllamaClient) GetModel() string { return c.model }

// Breaker exposes the client's circuit breaker for health reporting.
func (c *OllamaClient) Breaker() *CircuitBreaker { return c.breaker }

var (
	_ EmbeddingGenerator = (*OllamaClient)(nil)
	_ HealthChecker      = (*OllamaClient)(nil)
)
