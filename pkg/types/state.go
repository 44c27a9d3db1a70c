package types

import "fmt"

// ConversationState is the lead lifecycle state of a conversation.
type ConversationState string

// Conversation lifecycle states
const (
	StatePending   ConversationState = "pending"   // New lead, not yet classified
	StateQualified ConversationState = "qualified" // Ready for broker handoff
	StateNurture   ConversationState = "nurture"   // Interested, needs follow-up
	StateClosed    ConversationState = "closed"    // Terminal unless reopened
)

// ValidConversationStates contains all valid conversation states.
var ValidConversationStates = []ConversationState{
	StatePending,
	StateQualified,
	StateNurture,
	StateClosed,
}

// IsValid reports whether s is one of the known conversation states.
func (s ConversationState) IsValid() bool {
	for _, valid := range ValidConversationStates {
		if s == valid {
			return true
		}
	}
	return false
}

// TransitionCause identifies who requested a state change.
type TransitionCause string

// Transition causes
const (
	CauseClassifier TransitionCause = "classifier" // External qualification decision
	CauseBroker     TransitionCause = "broker"     // Explicit broker action
	CauseReopen     TransitionCause = "reopen"     // Explicit reopen of a closed lead
)

// IsValidStateTransition validates conversation state changes.
//
// Valid transitions:
//
//	pending   -> qualified | nurture      (classifier, broker)
//	qualified -> nurture                  (classifier, broker)
//	nurture   -> qualified                (classifier, broker)
//	pending | qualified | nurture -> closed (broker only)
//	closed    -> pending                  (reopen only)
//
// A transition to the current state is always valid and is a no-op.
// Urgency never causes a transition.
func IsValidStateTransition(from, to ConversationState, cause TransitionCause) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	if from == to {
		return true
	}

	classifierOrBroker := cause == CauseClassifier || cause == CauseBroker

	switch from {
	case StatePending:
		switch to {
		case StateQualified, StateNurture:
			return classifierOrBroker
		case StateClosed:
			return cause == CauseBroker
		}

	case StateQualified:
		switch to {
		case StateNurture:
			return classifierOrBroker
		case StateClosed:
			return cause == CauseBroker
		}

	case StateNurture:
		switch to {
		case StateQualified:
			return classifierOrBroker
		case StateClosed:
			return cause == CauseBroker
		}

	case StateClosed:
		return to == StatePending && cause == CauseReopen
	}

	return false
}

// CheckTransition returns ErrInvalidTransition wrapped with context when the
// change from -> to is not allowed for cause.
func CheckTransition(from, to ConversationState, cause TransitionCause) error {
	if IsValidStateTransition(from, to, cause) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, from, to, cause)
}
