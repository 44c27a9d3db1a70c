package types

import "time"

// UrgencyAlert notifies brokers that a lead needs prompt attention.
// The core only creates alerts; resolution is a broker action.
type UrgencyAlert struct {
	ID                string     `json:"id"`
	ConversationID    string     `json:"conversation_id"`
	PhoneNumber       string     `json:"phone_number"`
	MessageExternalID string     `json:"message_external_id"` // Triggering message; at most one alert per message
	Level             int        `json:"level"`
	Reason            string     `json:"reason"`
	Indicators        []string   `json:"indicators,omitempty"`
	SuggestedActions  []string   `json:"suggested_actions,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy        string     `json:"resolved_by,omitempty"`
}

// IsResolved reports whether a broker has handled the alert.
func (a *UrgencyAlert) IsResolved() bool {
	return a.ResolvedAt != nil
}
