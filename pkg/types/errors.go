package types

import "errors"

// Domain error taxonomy. Components wrap these with fmt.Errorf("...: %w")
// and callers classify with errors.Is.
var (
	// ErrDuplicateDelivery indicates an inbound message that was already
	// recorded or is being processed. Not a failure from the sender's view.
	ErrDuplicateDelivery = errors.New("duplicate delivery")

	// ErrRetrievalUnavailable indicates the property index could not be queried.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrEmbeddingProvider indicates the embedding provider failed, timed out,
	// or returned an unusable vector.
	ErrEmbeddingProvider = errors.New("embedding provider error")

	// ErrStateConflict indicates a concurrent modification of a conversation
	// that survived the single automatic retry.
	ErrStateConflict = errors.New("conversation state conflict")

	// ErrMalformedMessage indicates an inbound message missing required fields.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrInvalidTransition indicates a conversation state change the lead
	// lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrRateLimited indicates the sender exceeded the inbound message budget.
	ErrRateLimited = errors.New("rate limited")
)
