package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/leadbroker/internal/catalog"
	"github.com/scrypster/leadbroker/internal/config"
	"github.com/scrypster/leadbroker/internal/conversation"
	"github.com/scrypster/leadbroker/internal/engine"
	"github.com/scrypster/leadbroker/internal/idempotency"
	"github.com/scrypster/leadbroker/internal/metrics"
	"github.com/scrypster/leadbroker/internal/search"
	"github.com/scrypster/leadbroker/internal/server"
	"github.com/scrypster/leadbroker/internal/storage/sqlite"
	"github.com/scrypster/leadbroker/internal/urgency"
	"github.com/scrypster/leadbroker/pkg/types"
	"github.com/scrypster/leadbroker/web/handlers"
)

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(context.Context, string) ([]float32, error) { return []float32{0, 1}, nil }
func (fixedEmbedder) GetModel() string                                  { return "fixed" }

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("database is locked") }

func testConfig(mode, token string) *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{Host: "127.0.0.1", Port: 0, RequestTimeout: 5 * time.Second},
		RateLimit: config.RateLimitConfig{HTTPRequestsPerSec: 100, HTTPBurst: 200},
		Security:  config.SecurityConfig{SecurityMode: mode, APIToken: token},
	}
}

func newComponents(t *testing.T) server.Components {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := metrics.New()
	machine := conversation.NewMachine(store, conversation.Options{Metrics: m})
	orch, err := engine.NewOrchestrator(engine.DefaultConfig(), engine.Dependencies{
		Guard:   idempotency.NewGuard(store, time.Hour),
		Machine: machine,
		Urgency: urgency.NewService(store, machine, urgency.Config{Metrics: m}),
		Search:  search.NewEngine(store, fixedEmbedder{}, search.Options{Dimension: 2, Metrics: m}),
		Metrics: m,
	})
	require.NoError(t, err)

	return server.Components{
		Orchestrator: orch,
		Catalog:      catalog.NewSyncer(store, fixedEmbedder{}, 2),
		Alerts:       handlers.NewAlertHub("localhost:6464"),
		Health:       store,
		Metrics:      m,
	}
}

func serve(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandler_Routes(t *testing.T) {
	h := server.NewHandler(testConfig("development", ""), newComponents(t))

	msg := `{"message":{"sender_id":"+5541911112222","external_message_id":"m1","content":"procuro casa","timestamp":"2026-10-19T10:00:00Z"}}`
	w := serve(t, h, http.MethodPost, "/api/messages", msg)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = serve(t, h, http.MethodPost, "/api/properties", `{"id":"p1","title":"Casa Batel","price":800000}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = serve(t, h, http.MethodPatch, "/api/properties/p1/status", `{"status":"rented"}`)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = serve(t, h, http.MethodGet, "/api/properties/p1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(t, h, http.MethodPost, "/api/search", `{"query":"casa"}`)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = serve(t, h, http.MethodGet, "/api/conversations/+5541911112222", "")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = serve(t, h, http.MethodPost, "/api/conversations/+5541911112222/transition", `{"state":"qualified"}`)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = serve(t, h, http.MethodGet, "/api/alerts", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(t, h, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "leadbroker_")

	w = serve(t, h, http.MethodGet, "/api/messages", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = serve(t, h, http.MethodGet, "/api/nothing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ProductionRequiresAuth(t *testing.T) {
	h := server.NewHandler(testConfig("production", "s3cret"), newComponents(t))

	w := serve(t, h, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(t, h, http.MethodGet, "/api/stats", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, w.Code)

	// Health and metrics stay open for probes and scrapers.
	w = serve(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = serve(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_Health(t *testing.T) {
	c := newComponents(t)
	h := server.NewHandler(testConfig("development", ""), c)

	w := serve(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	c.Health = downPinger{}
	h = server.NewHandler(testConfig("development", ""), c)
	w = serve(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandler_GlobalRateLimit(t *testing.T) {
	cfg := testConfig("development", "")
	cfg.RateLimit = config.RateLimitConfig{HTTPRequestsPerSec: 1, HTTPBurst: 1}
	h := server.NewHandler(cfg, newComponents(t))

	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(t, h, http.MethodGet, "/health", "").Code)
}

func TestStart_ServesAndShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	addr, done, err := server.Start(ctx, testConfig("development", ""), newComponents(t))
	require.NoError(t, err)

	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	assert.NotEqual(t, "0", port)

	body := bytes.NewBufferString(`{"message":{"sender_id":"+5541933334444","external_message_id":"x1","content":"oi","timestamp":"2026-10-19T10:00:00Z"}}`)
	resp, err := http.Post("http://"+addr+"/api/messages", "application/json", body)
	require.NoError(t, err)
	var out engine.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	_ = resp.Body.Close()
	assert.Equal(t, engine.StatusProcessed, out.Status)
	assert.Equal(t, types.StatePending, out.Conversation.State)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	_, err = http.Get("http://" + addr + "/health")
	assert.Error(t, err)
}

func TestStart_RequiresOrchestrator(t *testing.T) {
	_, _, err := server.Start(context.Background(), testConfig("development", ""), server.Components{})
	assert.Error(t, err)
}
