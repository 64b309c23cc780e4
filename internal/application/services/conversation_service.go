package services

import (
	"fmt"
	"log"
	"time"

	"github.com/convocrm/backend/internal/domain"
	"github.com/convocrm/backend/internal/domain/models"
	"github.com/convocrm/backend/pkg/constants"
)

// ConversationService guards every ConversationState status mutation with
// the domain state machine. It mutates in-memory state only; persistence is
// the engine service's job at the end of a pass.
type ConversationService struct {
	stateMachine *domain.ConversationStateMachine
}

// NewConversationService creates a new ConversationService
func NewConversationService() *ConversationService {
	return &ConversationService{
		stateMachine: domain.NewConversationStateMachine(),
	}
}

// mapStatusToState maps the persisted status string to a machine state
func mapStatusToState(status string) domain.ConversationStatus {
	switch status {
	case constants.ConversationStatusActive:
		return domain.StatusActive
	case constants.ConversationStatusAwaitingHuman:
		return domain.StatusAwaitingHuman
	case constants.ConversationStatusCompleted:
		return domain.StatusCompleted
	default:
		return domain.StatusIdle
	}
}

// IsSuppressed reports whether automated processing is suspended for the state.
func (s *ConversationService) IsSuppressed(state *models.ConversationState) bool {
	return s.stateMachine.IsSuppressed(mapStatusToState(state.Status))
}

// Start activates a flow for the conversant.
func (s *ConversationService) Start(state *models.ConversationState, flow *models.FlowDefinition, entryStepID string) error {
	if _, err := s.stateMachine.Transition(mapStatusToState(state.Status), domain.TransitionStart); err != nil {
		return fmt.Errorf("cannot start flow %s: %w", flow.ID, err)
	}

	state.Status = constants.ConversationStatusActive
	state.FlowID = &flow.ID
	state.FlowVersion = flow.Version
	state.CurrentStepID = &entryStepID
	state.AwaitingReply = false
	state.RetryCount = 0
	state.UpdatedAt = time.Now().UTC()

	log.Printf("🔄 Conversation %s: started flow %s v%d at step %s", state.ConversantID, flow.ID, flow.Version, entryStepID)
	return nil
}

// SwitchFlow atomically replaces the active flow with the target flow's
// entry point. Variables carry over unless reset is requested.
func (s *ConversationService) SwitchFlow(state *models.ConversationState, target *models.FlowDefinition, entryStepID string, resetVariables bool) {
	state.FlowID = &target.ID
	state.FlowVersion = target.Version
	state.CurrentStepID = &entryStepID
	state.AwaitingReply = false
	state.RetryCount = 0
	state.AwaitingSince = nil
	state.TimeoutAt = nil
	if resetVariables {
		state.Variables = make(map[string]interface{})
	}
	state.UpdatedAt = time.Now().UTC()

	log.Printf("🔄 Conversation %s: switched to flow %s v%d (reset=%v)", state.ConversantID, target.ID, target.Version, resetVariables)
}

// Complete marks the active flow as finished and logically resets the state.
func (s *ConversationService) Complete(state *models.ConversationState) error {
	if _, err := s.stateMachine.Transition(mapStatusToState(state.Status), domain.TransitionComplete); err != nil {
		return fmt.Errorf("cannot complete conversation %s: %w", state.ConversantID, err)
	}

	state.ClearFlow()
	state.Status = constants.ConversationStatusCompleted
	state.UpdatedAt = time.Now().UTC()

	log.Printf("✅ Conversation %s: flow completed", state.ConversantID)
	return nil
}

// Handover suspends automation pending an operator. The flow position is
// kept so the operator sees where the conversation stalled.
func (s *ConversationService) Handover(state *models.ConversationState, reason string) error {
	if _, err := s.stateMachine.Transition(mapStatusToState(state.Status), domain.TransitionHandover); err != nil {
		return fmt.Errorf("cannot hand over conversation %s: %w", state.ConversantID, err)
	}

	state.Status = constants.ConversationStatusAwaitingHuman
	state.AwaitingReply = false
	state.AwaitingSince = nil
	state.TimeoutAt = nil
	state.UpdatedAt = time.Now().UTC()

	log.Printf("⏸️ Conversation %s: handed over to human (%s)", state.ConversantID, reason)
	return nil
}

// Resolve clears a handover (external operator capability).
func (s *ConversationService) Resolve(state *models.ConversationState) error {
	if _, err := s.stateMachine.Transition(mapStatusToState(state.Status), domain.TransitionResolve); err != nil {
		return fmt.Errorf("cannot resolve conversation %s: %w", state.ConversantID, err)
	}

	state.ClearFlow()
	state.Status = constants.ConversationStatusIdle
	state.UpdatedAt = time.Now().UTC()

	log.Printf("▶️ Conversation %s: handover resolved", state.ConversantID)
	return nil
}

// Reset clears the active flow without completing it.
func (s *ConversationService) Reset(state *models.ConversationState) error {
	if _, err := s.stateMachine.Transition(mapStatusToState(state.Status), domain.TransitionReset); err != nil {
		return fmt.Errorf("cannot reset conversation %s: %w", state.ConversantID, err)
	}

	state.ClearFlow()
	state.Status = constants.ConversationStatusIdle
	state.UpdatedAt = time.Now().UTC()

	log.Printf("🔄 Conversation %s: reset", state.ConversantID)
	return nil
}

// AwaitReply parks the conversation at the current step pending the next
// inbound event. timeoutSeconds of zero means no timeout.
func (s *ConversationService) AwaitReply(state *models.ConversationState, stepID string, timeoutSeconds int) {
	now := time.Now().UTC()
	state.CurrentStepID = &stepID
	state.AwaitingReply = true
	state.AwaitingSince = &now
	if timeoutSeconds > 0 {
		deadline := now.Add(time.Duration(timeoutSeconds) * time.Second)
		state.TimeoutAt = &deadline
	} else {
		state.TimeoutAt = nil
	}
	state.UpdatedAt = now
}
