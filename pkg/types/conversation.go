package types

import "time"

// Urgency levels are integers from MinUrgency (browsing) to MaxUrgency (critical).
const (
	MinUrgency = 1
	MaxUrgency = 5
)

// ClampUrgency bounds level to [MinUrgency, MaxUrgency].
func ClampUrgency(level int) int {
	if level < MinUrgency {
		return MinUrgency
	}
	if level > MaxUrgency {
		return MaxUrgency
	}
	return level
}

// LeadPreferences are search preferences extracted from the lead's messages.
type LeadPreferences struct {
	Neighborhoods []string `json:"neighborhoods,omitempty"`
	MaxBudget     float64  `json:"max_budget,omitempty"`
	MinBedrooms   int      `json:"min_bedrooms,omitempty"`
	PropertyType  string   `json:"property_type,omitempty"`
}

// ConversationMetadata carries broker-facing annotations on a conversation.
type ConversationMetadata struct {
	Tags        []string        `json:"tags,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	Preferences LeadPreferences `json:"preferences"`
}

// Conversation is the per-lead record keyed by phone number.
type Conversation struct {
	ID             string               `json:"id"`
	PhoneNumber    string               `json:"phone_number"` // Natural key, unique
	State          ConversationState    `json:"state"`
	UrgencyScore   int                  `json:"urgency_score"` // 1-5
	LastMessageAt  time.Time            `json:"last_message_at"`
	MessageCount   int                  `json:"message_count"`
	Metadata       ConversationMetadata `json:"metadata"`
	StateUpdatedAt *time.Time           `json:"state_updated_at,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`

	// Version is incremented on every update and used for optimistic
	// concurrency between writers that do not share a process.
	Version int64 `json:"version"`
}

// NewConversation returns a pending conversation with the default urgency.
func NewConversation(id, phone string, now time.Time) *Conversation {
	return &Conversation{
		ID:           id,
		PhoneNumber:  phone,
		State:        StatePending,
		UrgencyScore: MinUrgency,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// ConversationSnapshot is the conversation state after a message was applied,
// together with the recent message history used for scoring.
type ConversationSnapshot struct {
	Conversation  Conversation      `json:"conversation"`
	Recent        []Message         `json:"recent,omitempty"` // Newest first, includes the applied message
	PreviousState ConversationState `json:"previous_state"`
	Created       bool              `json:"created"` // Conversation was created by this message
}

// Transitioned reports whether applying the message changed the state.
func (s *ConversationSnapshot) Transitioned() bool {
	return s.PreviousState != "" && s.PreviousState != s.Conversation.State
}
