package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// IdempotencyStatus is the processing status of an inbound delivery.
type IdempotencyStatus string

// Idempotency statuses
const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord tracks one inbound delivery by fingerprint.
type IdempotencyRecord struct {
	Fingerprint       string            `json:"fingerprint"`
	ExternalMessageID string            `json:"external_message_id"`
	Status            IdempotencyStatus `json:"status"`
	Result            json.RawMessage   `json:"result,omitempty"` // Cached response for completed deliveries
	Error             string            `json:"error,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
}

// IsExpired reports whether the record no longer blocks re-admission.
func (r *IdempotencyRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Fingerprint derives the idempotency key for an inbound delivery from the
// sender, the transport message id, and a hash of the content.
func Fingerprint(senderID, externalMessageID, content string) string {
	contentHash := sha256.Sum256([]byte(content))
	h := sha256.New()
	h.Write([]byte(senderID))
	h.Write([]byte{0})
	h.Write([]byte(externalMessageID))
	h.Write([]byte{0})
	h.Write(contentHash[:])
	return hex.EncodeToString(h.Sum(nil))
}
