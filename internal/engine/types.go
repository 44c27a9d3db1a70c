// Package engine provides the Orchestrator, which sequences idempotency,
// conversation state, urgency scoring and property search for each inbound
// message, plus the background sweeper that enforces retention.
package engine

import (
	"fmt"
	"time"

	"github.com/scrypster/leadbroker/internal/conversation"
	"github.com/scrypster/leadbroker/internal/search"
	"github.com/scrypster/leadbroker/internal/urgency"
	"github.com/scrypster/leadbroker/pkg/types"
)

// Processing statuses reported on Response.
const (
	StatusProcessed  = "processed"
	StatusReplayed   = "replayed"   // Completed earlier; cached response returned
	StatusInProgress = "processing" // Another worker holds the delivery
	StatusDuplicate  = "duplicate"  // Message already recorded
)

// Degraded reasons set by the Orchestrator in addition to the search ones.
const (
	ReasonRetrievalUnavailable = "retrieval_unavailable"
	ReasonUrgencyUnavailable   = "urgency_unavailable"
)

// InboundRequest is one delivery from the messaging integration.
type InboundRequest struct {
	Message types.InboundMessage `json:"message"`

	// Qualification is an optional external classifier decision.
	Qualification *conversation.Signal `json:"qualification,omitempty"`

	// SearchIntent forces (true) or suppresses (false) property search.
	// When nil the message content decides.
	SearchIntent *bool `json:"search_intent,omitempty"`
}

// Response is handed back to the external responder.
type Response struct {
	Status         string                  `json:"status"`
	Duplicate      bool                    `json:"duplicate"`
	Conversation   *types.Conversation     `json:"conversation,omitempty"`
	PreviousState  types.ConversationState `json:"previous_state,omitempty"`
	Urgency        *urgency.Result         `json:"urgency,omitempty"`
	Alert          *types.UrgencyAlert     `json:"alert,omitempty"`
	SearchRan      bool                    `json:"search_ran"`
	Properties     []search.Result         `json:"properties"`
	Degraded       bool                    `json:"degraded"`
	DegradedReason string                  `json:"degraded_reason,omitempty"`
}

// Config holds Orchestrator settings.
type Config struct {
	// RequestTimeout bounds the processing of one admitted message (default: 15s).
	RequestTimeout time.Duration

	// SearchThreshold is the minimum combined score (default: 0.7).
	SearchThreshold float64

	// MaxResults caps ranked properties per message (default: 10).
	MaxResults int

	// RateLimitEnabled turns on the per-sender limit.
	RateLimitEnabled bool

	// MessagesPerMinute is the per-sender budget (default: 20).
	MessagesPerMinute int

	// ShownPerPhone is the number of property ids remembered per lead (default: 50).
	ShownPerPhone int

	// SessionTTL is how long shown properties are remembered (default: 24h).
	SessionTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:    15 * time.Second,
		SearchThreshold:   0.7,
		MaxResults:        10,
		RateLimitEnabled:  true,
		MessagesPerMinute: 20,
		ShownPerPhone:     50,
		SessionTTL:        24 * time.Hour,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("RequestTimeout must be > 0, got %v", c.RequestTimeout)
	}
	if c.SearchThreshold < 0 || c.SearchThreshold > 1 {
		return fmt.Errorf("SearchThreshold must be in [0,1], got %v", c.SearchThreshold)
	}
	if c.MaxResults < 1 {
		return fmt.Errorf("MaxResults must be >= 1, got %d", c.MaxResults)
	}
	if c.RateLimitEnabled && c.MessagesPerMinute < 1 {
		return fmt.Errorf("MessagesPerMinute must be >= 1, got %d", c.MessagesPerMinute)
	}
	if c.ShownPerPhone < 1 {
		return fmt.Errorf("ShownPerPhone must be >= 1, got %d", c.ShownPerPhone)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SessionTTL must be > 0, got %v", c.SessionTTL)
	}
	return nil
}
