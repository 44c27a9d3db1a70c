// Package server wires the HTTP API and manages its lifecycle.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/scrypster/leadbroker/internal/catalog"
	"github.com/scrypster/leadbroker/internal/config"
	"github.com/scrypster/leadbroker/internal/engine"
	"github.com/scrypster/leadbroker/internal/metrics"
	"github.com/scrypster/leadbroker/web/handlers"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Components are the services exposed over HTTP. Orchestrator is required;
// the rest are optional and their routes are omitted when nil.
type Components struct {
	Orchestrator *engine.Orchestrator
	Catalog      *catalog.Syncer
	Alerts       *handlers.AlertHub
	Health       Pinger
	Metrics      *metrics.Metrics
}

// NewHandler builds the full HTTP handler: API routes behind auth, plus the
// unauthenticated health, metrics and alert stream endpoints, all behind the
// global rate limiter and security headers.
func NewHandler(cfg *config.Config, c Components) http.Handler {
	mux := http.NewServeMux()
	apiMux := http.NewServeMux()

	orch := c.Orchestrator

	messageHandler := handlers.NewMessageHandler(orch)
	apiMux.HandleFunc("POST /api/messages", messageHandler.PostMessage)

	if orch.Search() != nil {
		cfgEngine := orch.Config()
		searchHandler := handlers.NewSearchHandler(orch.Search(), cfgEngine.SearchThreshold, cfgEngine.MaxResults)
		apiMux.HandleFunc("POST /api/search", searchHandler.Search)
	}

	if c.Catalog != nil {
		propertyHandler := handlers.NewPropertyHandler(c.Catalog)
		apiMux.HandleFunc("POST /api/properties", propertyHandler.Upsert)
		apiMux.HandleFunc("POST /api/properties/backfill", propertyHandler.Backfill)
		apiMux.HandleFunc("GET /api/properties/{id}", propertyHandler.Get)
		apiMux.HandleFunc("PATCH /api/properties/{id}/status", propertyHandler.SetStatus)
	}

	conversationHandler := handlers.NewConversationHandler(orch.Machine())
	apiMux.HandleFunc("GET /api/conversations", conversationHandler.List)
	apiMux.HandleFunc("GET /api/conversations/{phone}", conversationHandler.Get)
	apiMux.HandleFunc("POST /api/conversations/{phone}/transition", conversationHandler.Transition)
	apiMux.HandleFunc("POST /api/conversations/{phone}/messages", conversationHandler.PostOutbound)

	alertHandler := handlers.NewAlertHandler(orch.Urgency())
	apiMux.HandleFunc("GET /api/alerts", alertHandler.List)
	apiMux.HandleFunc("POST /api/alerts/{id}/resolve", alertHandler.Resolve)

	statsHandler := handlers.NewStatsHandler(orch)
	apiMux.HandleFunc("GET /api/stats", statsHandler.GetStats)

	mux.Handle("/api/", handlers.RequireAuth(apiMux, cfg))

	// Browsers cannot send the bearer token on an upgrade; origin checks apply instead.
	if c.Alerts != nil {
		mux.Handle("GET /api/alerts/stream", c.Alerts)
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if c.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := c.Health.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	if c.Metrics != nil {
		mux.Handle("GET /metrics", c.Metrics.Handler())
	}

	var handler http.Handler = mux
	if cfg.RateLimit.HTTPRequestsPerSec > 0 {
		handler = handlers.RateLimitMiddleware(handler, handlers.NewRateLimiter(cfg.RateLimit.HTTPRequestsPerSec, cfg.RateLimit.HTTPBurst))
	}
	return handlers.SecurityHeaders(handler)
}

// Start listens on the configured address and serves until ctx is
// cancelled. It returns the actual address being listened on (useful with
// port 0) and a channel closed once the server has shut down.
func Start(ctx context.Context, cfg *config.Config, c Components) (string, <-chan struct{}, error) {
	if c.Orchestrator == nil {
		return "", nil, fmt.Errorf("server: orchestrator is required")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("server: listen on %s: %w", addr, err)
	}

	if c.Alerts != nil {
		go c.Alerts.Run()
	}

	// WriteTimeout leaves room for the per-message processing budget.
	server := &http.Server{
		Handler:      NewHandler(cfg, c),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve error: %v", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown error: %v", err)
		}
		if c.Alerts != nil {
			c.Alerts.Stop()
		}
	}()

	return listener.Addr().String(), done, nil
}
