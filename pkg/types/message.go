package types

import (
	"fmt"
	"strings"
	"time"
)

// Direction is the flow of a message relative to the lead.
type Direction string

// Message directions
const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageType is the content kind of a message.
type MessageType string

// Message types
const (
	MessageText     MessageType = "text"
	MessageVoice    MessageType = "voice"
	MessageImage    MessageType = "image"
	MessageDocument MessageType = "document"
)

// IsValid reports whether t is a known message type.
func (t MessageType) IsValid() bool {
	switch t {
	case MessageText, MessageVoice, MessageImage, MessageDocument:
		return true
	}
	return false
}

// DeliveryStatus tracks transport delivery of a message.
type DeliveryStatus string

// Delivery statuses
const (
	DeliveryReceived  DeliveryStatus = "received"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Message is a single chat message within a conversation.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Direction      Direction      `json:"direction"`
	Content        string         `json:"content"`
	Type           MessageType    `json:"type"`
	ExternalID     string         `json:"external_id,omitempty"` // Unique when present
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	SentAt         time.Time      `json:"sent_at"`
	CreatedAt      time.Time      `json:"created_at"`
}

// InboundMessage is the transport-agnostic payload handed to the core by the
// messaging integration after signature verification.
type InboundMessage struct {
	SenderID          string      `json:"sender_id"` // Phone number
	ExternalMessageID string      `json:"external_message_id"`
	Content           string      `json:"content"`
	Type              MessageType `json:"type"`
	Timestamp         time.Time   `json:"timestamp"`
}

// Validate returns ErrMalformedMessage when a required field is missing.
func (m *InboundMessage) Validate() error {
	var missing []string
	if strings.TrimSpace(m.SenderID) == "" {
		missing = append(missing, "sender_id")
	}
	if strings.TrimSpace(m.ExternalMessageID) == "" {
		missing = append(missing, "external_message_id")
	}
	if strings.TrimSpace(m.Content) == "" {
		missing = append(missing, "content")
	}
	if m.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedMessage, strings.Join(missing, ", "))
	}
	if m.Type == "" {
		m.Type = MessageText
	}
	if !m.Type.IsValid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, m.Type)
	}
	return nil
}

// ToMessage converts the inbound payload into a persisted message record.
func (m *InboundMessage) ToMessage(id, conversationID string, now time.Time) *Message {
	return &Message{
		ID:             id,
		ConversationID: conversationID,
		Direction:      DirectionInbound,
		Content:        m.Content,
		Type:           m.Type,
		ExternalID:     m.ExternalMessageID,
		DeliveryStatus: DeliveryReceived,
		SentAt:         m.Timestamp,
		CreatedAt:      now,
	}
}
