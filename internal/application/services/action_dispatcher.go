package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/convocrm/backend/internal/domain/events"
	"github.com/convocrm/backend/internal/domain/models"
	"github.com/convocrm/backend/internal/domain/ports"
	"github.com/convocrm/backend/pkg/constants"
)

// ActionDispatcher invokes external collaborator operations on behalf of
// action steps, isolated from the state-transition logic. Every call carries
// a deterministic idempotency key derived from (conversant, step, state
// version) so a retried pass cannot double-create records downstream.
type ActionDispatcher struct {
	executor ports.ActionExecutor
	resolver *ContextResolver
	eventBus ports.EventPublisher
}

// NewActionDispatcher creates a new ActionDispatcher
func NewActionDispatcher(executor ports.ActionExecutor, resolver *ContextResolver, eventBus ports.EventPublisher) *ActionDispatcher {
	return &ActionDispatcher{executor: executor, resolver: resolver, eventBus: eventBus}
}

// IdempotencyKey derives the dedupe token for one action call.
func IdempotencyKey(conversantID, stepID string, stateVersion int64) string {
	return fmt.Sprintf("%s|%s|%d", conversantID, stepID, stateVersion)
}

// DispatchCalls executes the calls in order. Param values are template
// rendered against env; results are merged into the conversation variables
// (and env) under each call's result key.
//
// Non-blocking failures are audited and skipped. The first blocking failure
// stops the sequence and returns true so the executor can take the step's
// failure transition.
func (d *ActionDispatcher) DispatchCalls(ctx context.Context, state *models.ConversationState, stepID string, calls []models.ActionCall, env map[string]interface{}) bool {
	for _, call := range calls {
		params := make(map[string]interface{}, len(call.Params))
		for k, tmpl := range call.Params {
			params[k] = d.resolver.Render(tmpl, env)
		}

		req := models.ActionRequest{
			ActionID:       call.ActionID,
			ConversantID:   state.ConversantID,
			StepID:         stepID,
			Params:         params,
			IdempotencyKey: IdempotencyKey(state.ConversantID, stepID, state.Version),
		}

		result, err := d.executor.Execute(ctx, req)
		if err != nil {
			d.auditFailure(state, stepID, call.ActionID, err)
			if call.Blocking {
				log.Printf("❌ ActionDispatcher: blocking action %s failed at step %s: %v", call.ActionID, stepID, err)
				return true
			}
			log.Printf("⚠️ ActionDispatcher: action %s failed at step %s (non-blocking): %v", call.ActionID, stepID, err)
			continue
		}

		if call.ResultKey != "" && result != nil && result.Value != nil {
			state.SetVariable(call.ResultKey, result.Value)
			env[call.ResultKey] = result.Value
		}
		log.Printf("✅ ActionDispatcher: action %s acknowledged for %s", call.ActionID, state.ConversantID)
	}
	return false
}

// RequestHandover notifies the handover collaborator that an operator is
// needed. Failures are audited but never block the status change.
func (d *ActionDispatcher) RequestHandover(ctx context.Context, state *models.ConversationState, reason string) {
	stepID := ""
	if state.CurrentStepID != nil {
		stepID = *state.CurrentStepID
	}
	req := models.ActionRequest{
		ActionID:     constants.ActionRequestHandover,
		ConversantID: state.ConversantID,
		StepID:       stepID,
		Params: map[string]interface{}{
			"reason": reason,
		},
		IdempotencyKey: IdempotencyKey(state.ConversantID, stepID, state.Version),
	}
	if _, err := d.executor.Execute(ctx, req); err != nil {
		d.auditFailure(state, stepID, constants.ActionRequestHandover, err)
		log.Printf("⚠️ ActionDispatcher: handover request failed for %s: %v", state.ConversantID, err)
	}
}

func (d *ActionDispatcher) auditFailure(state *models.ConversationState, stepID, actionID string, err error) {
	if d.eventBus == nil {
		return
	}
	flowID := ""
	if state.FlowID != nil {
		flowID = *state.FlowID
	}
	d.eventBus.PublishAsync(events.AuditActionFailure, models.AuditEvent{
		ConversantID: state.ConversantID,
		FlowID:       flowID,
		StepID:       stepID,
		Kind:         string(events.AuditActionFailure),
		Detail:       fmt.Sprintf("action %s: %v", actionID, err),
		At:           time.Now().UTC(),
	})
}
