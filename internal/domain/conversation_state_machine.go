package domain

import (
	"fmt"
)

// ConversationStatus represents the lifecycle state of a conversation
type ConversationStatus string

const (
	// StatusIdle indicates no flow is active for the conversant
	StatusIdle ConversationStatus = "Idle"
	// StatusActive indicates a flow is driving the conversation
	StatusActive ConversationStatus = "Active"
	// StatusAwaitingHuman indicates automation is suspended pending an operator
	StatusAwaitingHuman ConversationStatus = "AwaitingHuman"
	// StatusCompleted indicates the last flow finished
	StatusCompleted ConversationStatus = "Completed"
)

// ConversationTransition represents an action that can change conversation state
type ConversationTransition string

const (
	// TransitionStart begins a flow for the conversant
	TransitionStart ConversationTransition = "Start"
	// TransitionComplete marks the active flow as finished
	TransitionComplete ConversationTransition = "Complete"
	// TransitionHandover suspends automation pending an operator
	TransitionHandover ConversationTransition = "Handover"
	// TransitionResolve clears a handover (operator capability)
	TransitionResolve ConversationTransition = "Resolve"
	// TransitionReset clears the active flow without completing it
	TransitionReset ConversationTransition = "Reset"
)

// ConversationStateMachine enforces valid status transitions for
// conversations. Invalid transitions return an error (fail-fast approach).
type ConversationStateMachine struct {
	// transitions maps (current status, transition) -> next status
	transitions map[statusTransitionKey]ConversationStatus
}

type statusTransitionKey struct {
	status     ConversationStatus
	transition ConversationTransition
}

// NewConversationStateMachine creates a state machine with the conversation
// lifecycle rules.
// Status diagram:
//
//	[Idle] ──Start──► [Active] ──Complete──► [Completed] ──Start──┐
//	  ▲                 │   │                                     │
//	  │              Reset  Handover                              ▼
//	  ├─────────────────┘   │                                 [Active]
//	  │                     ▼
//	  └──Resolve──── [AwaitingHuman]
func NewConversationStateMachine() *ConversationStateMachine {
	sm := &ConversationStateMachine{
		transitions: make(map[statusTransitionKey]ConversationStatus),
	}

	sm.addTransition(StatusIdle, TransitionStart, StatusActive)
	sm.addTransition(StatusCompleted, TransitionStart, StatusActive)
	sm.addTransition(StatusActive, TransitionComplete, StatusCompleted)
	sm.addTransition(StatusActive, TransitionHandover, StatusAwaitingHuman)
	sm.addTransition(StatusIdle, TransitionHandover, StatusAwaitingHuman)
	sm.addTransition(StatusAwaitingHuman, TransitionResolve, StatusIdle)
	sm.addTransition(StatusActive, TransitionReset, StatusIdle)
	sm.addTransition(StatusAwaitingHuman, TransitionReset, StatusIdle)
	sm.addTransition(StatusCompleted, TransitionReset, StatusIdle)

	return sm
}

func (sm *ConversationStateMachine) addTransition(from ConversationStatus, via ConversationTransition, to ConversationStatus) {
	key := statusTransitionKey{status: from, transition: via}
	sm.transitions[key] = to
}

// Transition attempts to transition from the current status using the given
// action. Returns the new status or an error if the transition is invalid.
func (sm *ConversationStateMachine) Transition(current ConversationStatus, action ConversationTransition) (ConversationStatus, error) {
	key := statusTransitionKey{status: current, transition: action}
	next, ok := sm.transitions[key]
	if !ok {
		return current, fmt.Errorf("invalid state transition: cannot %s from %s", action, current)
	}
	return next, nil
}

// CanTransition checks if a transition is valid without performing it.
func (sm *ConversationStateMachine) CanTransition(current ConversationStatus, action ConversationTransition) bool {
	key := statusTransitionKey{status: current, transition: action}
	_, ok := sm.transitions[key]
	return ok
}

// ValidTransitions returns all valid transitions from the given status.
func (sm *ConversationStateMachine) ValidTransitions(status ConversationStatus) []ConversationTransition {
	var result []ConversationTransition
	for key := range sm.transitions {
		if key.status == status {
			result = append(result, key.transition)
		}
	}
	return result
}

// IsSuppressed returns true if automated processing must not run in the
// given status. Only an operator Resolve clears it.
func (sm *ConversationStateMachine) IsSuppressed(status ConversationStatus) bool {
	return status == StatusAwaitingHuman
}
