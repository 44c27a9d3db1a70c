// Package config provides configuration management for leadbroker.
// It loads settings from an optional YAML file and from environment
// variables with the LEADBROKER_ prefix, with sensible defaults for all
// configuration options. Environment variables override the file.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the leadbroker service.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Search      SearchConfig      `yaml:"search"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Urgency     UrgencyConfig     `yaml:"urgency"`
	Retention   RetentionConfig   `yaml:"retention"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Security    SecurityConfig    `yaml:"security"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port           int           `yaml:"port"`            // Server port (default: 6464)
	Host           string        `yaml:"host"`            // Server host (default: 127.0.0.1)
	RequestTimeout time.Duration `yaml:"request_timeout"` // Per inbound message budget (default: 15s)
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	StorageEngine string `yaml:"engine"`       // sqlite or postgres (default: sqlite)
	DataPath      string `yaml:"data_path"`    // Directory for the SQLite file (default: ./data)
	PostgresDSN   string `yaml:"postgres_dsn"` // Required when engine is postgres
	RedisURL      string `yaml:"redis_url"`    // Optional; enables the Redis idempotency guard
}

// EmbeddingConfig contains embedding provider and cache configuration.
type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"`  // ollama or openai (default: ollama)
	Model     string        `yaml:"model"`     // Embedding model (default: nomic-embed-text)
	Dimension int           `yaml:"dimension"` // Vector dimension of the index (default: 768)
	BaseURL   string        `yaml:"base_url"`  // Provider base URL
	APIKey    string        `yaml:"api_key"`   // Provider API key (openai)
	Timeout   time.Duration `yaml:"timeout"`   // Per-call timeout (default: 5s)
	CacheTTL  time.Duration `yaml:"cache_ttl"` // Embedding cache entry lifetime (default: 720h)
}

// SearchConfig contains hybrid search tuning.
type SearchConfig struct {
	VectorWeight             float64       `yaml:"vector_weight"`              // default: 0.7
	TextWeight               float64       `yaml:"text_weight"`                // default: 0.3
	Threshold                float64       `yaml:"threshold"`                  // Minimum combined score (default: 0.7)
	MaxResults               int           `yaml:"max_results"`                // default: 10
	LexicalFallbackThreshold float64       `yaml:"lexical_fallback_threshold"` // Minimum text score when degraded (default: 0)
	ResultCacheSize          int           `yaml:"result_cache_size"`          // 0 disables the result cache (default: 256)
	ResultCacheTTL           time.Duration `yaml:"result_cache_ttl"`           // default: 10m
	Timeout                  time.Duration `yaml:"timeout"`                    // Index query timeout (default: 3s)
}

// IdempotencyConfig contains webhook deduplication settings.
type IdempotencyConfig struct {
	TTL time.Duration `yaml:"ttl"` // Record lifetime (default: 24h)
}

// UrgencyConfig contains urgency scoring and alerting settings.
type UrgencyConfig struct {
	AlertThreshold  int           `yaml:"alert_threshold"`  // Minimum level that raises an alert (default: 4)
	BurstWindow     time.Duration `yaml:"burst_window"`     // default: 10m
	BurstCount      int           `yaml:"burst_count"`      // Inbound messages within BurstWindow counted as a burst (default: 4)
	RepeatWindow    time.Duration `yaml:"repeat_window"`    // default: 24h
	RepeatCount     int           `yaml:"repeat_count"`     // default: 8
	HistoryMessages int           `yaml:"history_messages"` // Recent messages loaded for scoring (default: 20)
}

// RetentionConfig contains background sweep settings.
type RetentionConfig struct {
	MessageTTL    time.Duration `yaml:"message_ttl"`    // default: 2160h (90 days)
	SweepInterval time.Duration `yaml:"sweep_interval"` // default: 1h
	SessionTTL    time.Duration `yaml:"session_ttl"`    // Shown-properties session lifetime (default: 24h)
}

// RateLimitConfig contains per-sender and HTTP rate limits.
type RateLimitConfig struct {
	Enabled            bool    `yaml:"enabled"`               // default: true
	MessagesPerMinute  int     `yaml:"messages_per_minute"`   // Per sender (default: 20)
	HTTPRequestsPerSec float64 `yaml:"http_requests_per_sec"` // Global API limit (default: 50)
	HTTPBurst          int     `yaml:"http_burst"`            // default: 100
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	SecurityMode string `yaml:"mode"`      // development or production (default: development)
	APIToken     string `yaml:"api_token"` // API authentication token

	// AllowedOrigins are the host[:port] patterns browsers may open the
	// alert stream from (default: localhost:6464, 127.0.0.1:6464).
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoadConfig loads configuration with sensible defaults. When
// LEADBROKER_CONFIG_FILE is set, that YAML file is applied first and
// environment variables override it.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("LEADBROKER_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig returns the built-in defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           6464,
			Host:           "127.0.0.1",
			RequestTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			StorageEngine: "sqlite",
			DataPath:      "./data",
		},
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			Model:     "nomic-embed-text",
			Dimension: 768,
			BaseURL:   "http://localhost:11434",
			Timeout:   5 * time.Second,
			CacheTTL:  30 * 24 * time.Hour,
		},
		Search: SearchConfig{
			VectorWeight:    0.7,
			TextWeight:      0.3,
			Threshold:       0.7,
			MaxResults:      10,
			ResultCacheSize: 256,
			ResultCacheTTL:  10 * time.Minute,
			Timeout:         3 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			TTL: 24 * time.Hour,
		},
		Urgency: UrgencyConfig{
			AlertThreshold:  4,
			BurstWindow:     10 * time.Minute,
			BurstCount:      4,
			RepeatWindow:    24 * time.Hour,
			RepeatCount:     8,
			HistoryMessages: 20,
		},
		Retention: RetentionConfig{
			MessageTTL:    90 * 24 * time.Hour,
			SweepInterval: time.Hour,
			SessionTTL:    24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:            true,
			MessagesPerMinute:  20,
			HTTPRequestsPerSec: 50,
			HTTPBurst:          100,
		},
		Security: SecurityConfig{
			SecurityMode:   "development",
			AllowedOrigins: []string{"localhost:6464", "127.0.0.1:6464"},
		},
	}
}

// loadFile overlays the YAML file at path onto c.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides c with any LEADBROKER_ environment variables that are set.
func applyEnv(c *Config) {
	c.Server.Port = getEnvInt("LEADBROKER_PORT", c.Server.Port)
	c.Server.Host = getEnv("LEADBROKER_HOST", c.Server.Host)
	c.Server.RequestTimeout = getEnvDuration("LEADBROKER_REQUEST_TIMEOUT", c.Server.RequestTimeout)

	c.Storage.StorageEngine = getEnv("LEADBROKER_STORAGE_ENGINE", c.Storage.StorageEngine)
	c.Storage.DataPath = getEnv("LEADBROKER_DATA_PATH", c.Storage.DataPath)
	c.Storage.PostgresDSN = getEnv("LEADBROKER_POSTGRES_DSN", c.Storage.PostgresDSN)
	c.Storage.RedisURL = getEnv("LEADBROKER_REDIS_URL", c.Storage.RedisURL)

	c.Embedding.Provider = getEnv("LEADBROKER_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.Model = getEnv("LEADBROKER_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Dimension = getEnvInt("LEADBROKER_EMBEDDING_DIMENSION", c.Embedding.Dimension)
	c.Embedding.BaseURL = getEnv("LEADBROKER_EMBEDDING_URL", c.Embedding.BaseURL)
	c.Embedding.APIKey = getEnv("LEADBROKER_OPENAI_API_KEY", c.Embedding.APIKey)
	c.Embedding.Timeout = getEnvDuration("LEADBROKER_EMBEDDING_TIMEOUT", c.Embedding.Timeout)
	c.Embedding.CacheTTL = getEnvDuration("LEADBROKER_EMBEDDING_CACHE_TTL", c.Embedding.CacheTTL)

	c.Search.VectorWeight = getEnvFloat("LEADBROKER_SEARCH_VECTOR_WEIGHT", c.Search.VectorWeight)
	c.Search.TextWeight = getEnvFloat("LEADBROKER_SEARCH_TEXT_WEIGHT", c.Search.TextWeight)
	c.Search.Threshold = getEnvFloat("LEADBROKER_SEARCH_THRESHOLD", c.Search.Threshold)
	c.Search.MaxResults = getEnvInt("LEADBROKER_SEARCH_MAX_RESULTS", c.Search.MaxResults)
	c.Search.LexicalFallbackThreshold = getEnvFloat("LEADBROKER_SEARCH_LEXICAL_THRESHOLD", c.Search.LexicalFallbackThreshold)
	c.Search.ResultCacheSize = getEnvInt("LEADBROKER_SEARCH_CACHE_SIZE", c.Search.ResultCacheSize)
	c.Search.ResultCacheTTL = getEnvDuration("LEADBROKER_SEARCH_CACHE_TTL", c.Search.ResultCacheTTL)
	c.Search.Timeout = getEnvDuration("LEADBROKER_SEARCH_TIMEOUT", c.Search.Timeout)

	c.Idempotency.TTL = getEnvDuration("LEADBROKER_IDEMPOTENCY_TTL", c.Idempotency.TTL)

	c.Urgency.AlertThreshold = getEnvInt("LEADBROKER_ALERT_THRESHOLD", c.Urgency.AlertThreshold)
	c.Urgency.BurstWindow = getEnvDuration("LEADBROKER_URGENCY_BURST_WINDOW", c.Urgency.BurstWindow)
	c.Urgency.BurstCount = getEnvInt("LEADBROKER_URGENCY_BURST_COUNT", c.Urgency.BurstCount)
	c.Urgency.RepeatWindow = getEnvDuration("LEADBROKER_URGENCY_REPEAT_WINDOW", c.Urgency.RepeatWindow)
	c.Urgency.RepeatCount = getEnvInt("LEADBROKER_URGENCY_REPEAT_COUNT", c.Urgency.RepeatCount)
	c.Urgency.HistoryMessages = getEnvInt("LEADBROKER_URGENCY_HISTORY", c.Urgency.HistoryMessages)

	c.Retention.MessageTTL = getEnvDuration("LEADBROKER_MESSAGE_TTL", c.Retention.MessageTTL)
	c.Retention.SweepInterval = getEnvDuration("LEADBROKER_SWEEP_INTERVAL", c.Retention.SweepInterval)
	c.Retention.SessionTTL = getEnvDuration("LEADBROKER_SESSION_TTL", c.Retention.SessionTTL)

	c.RateLimit.Enabled = getEnvBool("LEADBROKER_RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.MessagesPerMinute = getEnvInt("LEADBROKER_RATE_LIMIT_PER_MINUTE", c.RateLimit.MessagesPerMinute)
	c.RateLimit.HTTPRequestsPerSec = getEnvFloat("LEADBROKER_HTTP_RATE", c.RateLimit.HTTPRequestsPerSec)
	c.RateLimit.HTTPBurst = getEnvInt("LEADBROKER_HTTP_BURST", c.RateLimit.HTTPBurst)

	c.Security.SecurityMode = getEnv("LEADBROKER_SECURITY_MODE", c.Security.SecurityMode)
	c.Security.APIToken = getEnv("LEADBROKER_API_TOKEN", c.Security.APIToken)
	if origins := getEnv("LEADBROKER_ALLOWED_ORIGINS", ""); origins != "" {
		c.Security.AllowedOrigins = splitList(origins)
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if c.Search.VectorWeight < 0 || c.Search.TextWeight < 0 {
		errs = append(errs, errors.New("search weights must not be negative"))
	}
	if math.Abs(c.Search.VectorWeight+c.Search.TextWeight-1) > 1e-6 {
		errs = append(errs, fmt.Errorf("search weights must sum to 1 (got %.3f + %.3f)",
			c.Search.VectorWeight, c.Search.TextWeight))
	}
	if c.Search.Threshold < 0 || c.Search.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("search threshold must be in [0,1), got %.3f", c.Search.Threshold))
	}
	if c.Search.MaxResults <= 0 {
		errs = append(errs, errors.New("search max_results must be positive"))
	}
	if c.Embedding.Dimension <= 0 {
		errs = append(errs, errors.New("embedding dimension must be positive"))
	}
	if c.Urgency.AlertThreshold < 1 || c.Urgency.AlertThreshold > 5 {
		errs = append(errs, fmt.Errorf("alert threshold must be in [1,5], got %d", c.Urgency.AlertThreshold))
	}
	if c.Idempotency.TTL <= 0 {
		errs = append(errs, errors.New("idempotency ttl must be positive"))
	}
	switch c.Storage.StorageEngine {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres engine requires LEADBROKER_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage engine %q", c.Storage.StorageEngine))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// splitList splits a comma-separated value, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a time.ParseDuration value or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
// If the environment variable exists but cannot be parsed as a boolean,
// it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
