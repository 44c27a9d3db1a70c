package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrypster/leadbroker/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultHostIsLocalhost(t *testing.T) {
	_ = os.Unsetenv("LEADBROKER_HOST")
	cfg, err := config.LoadConfig()
	assert.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host,
		"Default host must be 127.0.0.1 for security")
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 0.7, cfg.Search.VectorWeight)
	assert.Equal(t, 0.3, cfg.Search.TextWeight)
	assert.Equal(t, 0.7, cfg.Search.Threshold)
	assert.Equal(t, 10, cfg.Search.MaxResults)
	assert.Equal(t, 4, cfg.Urgency.AlertThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Embedding.CacheTTL)
	assert.Equal(t, 90*24*time.Hour, cfg.Retention.MessageTTL)
	assert.Equal(t, "sqlite", cfg.Storage.StorageEngine)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("LEADBROKER_SEARCH_VECTOR_WEIGHT", "0.6")
	t.Setenv("LEADBROKER_SEARCH_TEXT_WEIGHT", "0.4")
	t.Setenv("LEADBROKER_ALERT_THRESHOLD", "3")
	t.Setenv("LEADBROKER_IDEMPOTENCY_TTL", "2h")
	t.Setenv("LEADBROKER_RATE_LIMIT_ENABLED", "no")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 0.6, cfg.Search.VectorWeight)
	assert.Equal(t, 0.4, cfg.Search.TextWeight)
	assert.Equal(t, 3, cfg.Urgency.AlertThreshold)
	assert.Equal(t, 2*time.Hour, cfg.Idempotency.TTL)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestLoadConfig_InvalidValuesFallBackToDefault(t *testing.T) {
	t.Setenv("LEADBROKER_PORT", "not-a-number")
	t.Setenv("LEADBROKER_IDEMPOTENCY_TTL", "tomorrow")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 6464, cfg.Server.Port)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
}

func TestLoadConfig_YAMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leadbroker.yaml")
	data := []byte(`
server:
  port: 7000
search:
  vector_weight: 0.8
  text_weight: 0.2
  threshold: 0.5
urgency:
  burst_window: 5m
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("LEADBROKER_CONFIG_FILE", path)
	t.Setenv("LEADBROKER_PORT", "7100")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 7100, cfg.Server.Port, "env overrides file")
	assert.Equal(t, 0.8, cfg.Search.VectorWeight)
	assert.Equal(t, 0.5, cfg.Search.Threshold)
	assert.Equal(t, 5*time.Minute, cfg.Urgency.BurstWindow)
	assert.Equal(t, 10, cfg.Search.MaxResults, "unset keys keep defaults")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Setenv("LEADBROKER_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := config.LoadConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("weights must sum to one", func(t *testing.T) {
		t.Setenv("LEADBROKER_SEARCH_VECTOR_WEIGHT", "0.9")
		_, err := config.LoadConfig()
		assert.Error(t, err)
	})

	t.Run("alert threshold range", func(t *testing.T) {
		t.Setenv("LEADBROKER_ALERT_THRESHOLD", "6")
		_, err := config.LoadConfig()
		assert.Error(t, err)
	})

	t.Run("postgres requires dsn", func(t *testing.T) {
		t.Setenv("LEADBROKER_STORAGE_ENGINE", "postgres")
		_, err := config.LoadConfig()
		assert.Error(t, err)
	})

	t.Run("unknown engine", func(t *testing.T) {
		t.Setenv("LEADBROKER_STORAGE_ENGINE", "mongo")
		_, err := config.LoadConfig()
		assert.Error(t, err)
	})
}

func TestLoadConfig_AllowedOrigins(t *testing.T) {
	t.Setenv("LEADBROKER_ALLOWED_ORIGINS", " crm.example.com , ,localhost:3000")
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"crm.example.com", "localhost:3000"}, cfg.Security.AllowedOrigins)
}
