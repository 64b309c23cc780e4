package services

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/convocrm/backend/internal/domain/events"
	"github.com/convocrm/backend/internal/domain/models"
	"github.com/convocrm/backend/internal/domain/ports"
	"github.com/convocrm/backend/pkg/constants"
	apperrors "github.com/convocrm/backend/pkg/errors"
)

// PassResult carries everything one processing pass produced. Outbound
// instructions are in production order; the engine service hands them to the
// outbox after the state write commits.
type PassResult struct {
	Outbound []models.OutboundInstruction
}

// stepOutcome is the loop-control result of executing one step.
type stepOutcome struct {
	transition *models.Transition // chosen edge, nil if none
	halt       bool               // pass ends here
	terminal   bool               // step had zero transitions: flow completes
}

// StepExecutor runs one processing pass: execute the current step, resolve
// the outgoing transition, move on, until a halting step type is reached or
// no transition can be resolved. All taxonomy failures are recovered locally
// (park or handover), never surfaced as a pass error.
type StepExecutor struct {
	flows         *FlowCache
	conversations *ConversationService
	resolver      *ContextResolver
	transitions   *TransitionResolver
	dispatcher    *ActionDispatcher
	eventBus      ports.EventPublisher
}

// NewStepExecutor creates a new StepExecutor
func NewStepExecutor(
	flows *FlowCache,
	conversations *ConversationService,
	resolver *ContextResolver,
	transitions *TransitionResolver,
	dispatcher *ActionDispatcher,
	eventBus ports.EventPublisher,
) *StepExecutor {
	return &StepExecutor{
		flows:         flows,
		conversations: conversations,
		resolver:      resolver,
		transitions:   transitions,
		dispatcher:    dispatcher,
		eventBus:      eventBus,
	}
}

// ExecutePass drives the step loop for one inbound event. resume must be
// true when the conversation was parked awaiting a reply at the current step.
func (se *StepExecutor) ExecutePass(ctx context.Context, flow *models.FlowDefinition, state *models.ConversationState, event *models.InboundEvent, resume bool) (*PassResult, error) {
	res := &PassResult{}
	env := se.resolver.Resolve(ctx, state, event)

	if state.CurrentStepID == nil {
		se.definitionFailure(ctx, state, flow.ID, "", "conversation has no current step")
		return res, nil
	}
	step := flow.StepByID(*state.CurrentStepID)
	if step == nil {
		se.definitionFailure(ctx, state, flow.ID, *state.CurrentStepID, "current step no longer exists in flow definition")
		return res, nil
	}

	if resume && step.Type != constants.StepTypeQuestion && step.Type != constants.StepTypeWaitForReply {
		// Awaiting-reply flag on a non-halting step means the graph was
		// edited underneath us; re-execute the step fresh.
		log.Printf("⚠️ StepExecutor: conversation %s awaiting reply at non-halting step %s, re-executing", state.ConversantID, step.ID)
		se.clearAwait(state)
		resume = false
	}

	for iterations := 0; ; iterations++ {
		if iterations >= constants.MaxStepsPerPass {
			se.audit(events.AuditIterationLimit, state, flow.ID, step.ID,
				apperrors.NewIterationLimitError(flow.ID, constants.MaxStepsPerPass).Error())
			se.handover(ctx, state, "step iteration limit exceeded")
			return res, nil
		}

		// switch-flow repositions the loop in place: the one case where a
		// pass spans multiple flow definitions.
		if step.Type == constants.StepTypeSwitchFlow {
			next, nextFlow := se.switchFlow(ctx, state, flow, step, event, env)
			if next == nil {
				return res, nil
			}
			flow, step = nextFlow, next
			continue
		}

		var out stepOutcome
		if resume && iterations == 0 {
			out = se.resumeStep(ctx, state, flow, step, event, env, res)
		} else {
			out = se.executeStep(ctx, state, flow, step, env, res)
		}

		if out.halt {
			return res, nil
		}
		if out.terminal {
			if err := se.conversations.Complete(state); err != nil {
				log.Printf("⚠️ StepExecutor: %v", err)
			}
			se.eventBus.PublishAsync(events.ConversationCompleted, state.ConversantID)
			return res, nil
		}

		next, targetFlow := se.resolveTarget(ctx, flow, out.transition)
		if next == nil {
			se.definitionFailure(ctx, state, flow.ID, step.ID,
				fmt.Sprintf("transition target %s not found", out.transition.TargetStepID))
			return res, nil
		}
		if targetFlow != flow {
			se.conversations.SwitchFlow(state, targetFlow, next.ID, false)
			flow = targetFlow
		}

		state.CurrentStepID = &next.ID
		step = next
	}
}

// executeStep runs one step fresh and decides how the loop proceeds.
func (se *StepExecutor) executeStep(ctx context.Context, state *models.ConversationState, flow *models.FlowDefinition, step *models.Step, env map[string]interface{}, res *PassResult) stepOutcome {
	switch step.Type {
	case constants.StepTypeSendMessage:
		cfg := step.Config.SendMessage
		if cfg == nil {
			se.definitionFailure(ctx, state, flow.ID, step.ID, "sendMessage step missing config")
			return stepOutcome{halt: true}
		}
		se.emit(res, state, env, cfg.Content)
		return se.advance(ctx, state, flow, step, env)

	case constants.StepTypeQuestion:
		cfg := step.Config.Question
		if cfg == nil {
			se.definitionFailure(ctx, state, flow.ID, step.ID, "question step missing config")
			return stepOutcome{halt: true}
		}
		se.emit(res, state, env, cfg.Prompt)
		se.conversations.AwaitReply(state, step.ID, cfg.TimeoutSeconds)
		return stepOutcome{halt: true}

	case constants.StepTypeWaitForReply:
		timeoutSeconds := 0
		if cfg := step.Config.WaitForReply; cfg != nil {
			timeoutSeconds = cfg.TimeoutSeconds
		}
		se.conversations.AwaitReply(state, step.ID, timeoutSeconds)
		return stepOutcome{halt: true}

	case constants.StepTypeCondition:
		// No message; the step exists for its transitions, which are
		// expected to cover all branches.
		return se.advance(ctx, state, flow, step, env)

	case constants.StepTypeAction:
		cfg := step.Config.Action
		if cfg == nil {
			se.definitionFailure(ctx, state, flow.ID, step.ID, "action step missing config")
			return stepOutcome{halt: true}
		}
		if blocked := se.dispatcher.DispatchCalls(ctx, state, step.ID, cfg.Calls, env); blocked {
			// Blocking failure routes through the failure transition, if
			// one is authored against action_failed.
			env[constants.VarActionFailed] = true
		}
		return se.advance(ctx, state, flow, step, env)

	case constants.StepTypeEndFlow:
		if err := se.conversations.Complete(state); err != nil {
			log.Printf("⚠️ StepExecutor: %v", err)
		}
		se.eventBus.PublishAsync(events.ConversationCompleted, state.ConversantID)
		return stepOutcome{halt: true}

	case constants.StepTypeHumanHandover:
		reason := ""
		if cfg := step.Config.HumanHandover; cfg != nil {
			reason = cfg.Reason
		}
		se.handover(ctx, state, reason)
		return stepOutcome{halt: true}

	default:
		se.definitionFailure(ctx, state, flow.ID, step.ID, fmt.Sprintf("unknown step type %q", step.Type))
		return stepOutcome{halt: true}
	}
}

// switchFlow loads the target flow and repositions the conversation at its
// entry step, carrying the variables forward unless a reset is configured.
// Returns the entry step and flow, or nil if the target is broken (the
// conversation is already handed over in that case).
func (se *StepExecutor) switchFlow(ctx context.Context, state *models.ConversationState, flow *models.FlowDefinition, step *models.Step, event *models.InboundEvent, env map[string]interface{}) (*models.Step, *models.FlowDefinition) {
	cfg := step.Config.SwitchFlow
	if cfg == nil {
		se.definitionFailure(ctx, state, flow.ID, step.ID, "switchFlow step missing config")
		return nil, nil
	}
	target, err := se.flows.GetFlow(ctx, cfg.TargetFlowID)
	if err != nil || target == nil {
		se.definitionFailure(ctx, state, flow.ID, step.ID,
			fmt.Sprintf("switch target flow %s not found", cfg.TargetFlowID))
		return nil, nil
	}
	entry, count := target.EntryStep()
	if entry == nil {
		se.definitionFailure(ctx, state, target.ID, "", "flow has no entry step")
		return nil, nil
	}
	if count != 1 {
		log.Printf("⚠️ StepExecutor: flow %s has %d entry steps, using %s", target.ID, count, entry.ID)
	}

	se.conversations.SwitchFlow(state, target, entry.ID, cfg.ResetVariables)
	if cfg.ResetVariables {
		// Rebuild the namespace: accumulated variables are gone.
		rebuilt := se.resolver.Resolve(ctx, state, event)
		for k := range env {
			delete(env, k)
		}
		for k, v := range rebuilt {
			env[k] = v
		}
	}
	return entry, target
}

// resumeStep handles the inbound event that resumes a conversation parked at
// a halting step.
func (se *StepExecutor) resumeStep(ctx context.Context, state *models.ConversationState, flow *models.FlowDefinition, step *models.Step, event *models.InboundEvent, env map[string]interface{}, res *PassResult) stepOutcome {
	if step.Type == constants.StepTypeQuestion {
		return se.resumeQuestion(ctx, state, flow, step, event, env, res)
	}

	// wait-for-reply: stored verbatim, no validation or coercion.
	cfg := step.Config.WaitForReply
	if cfg != nil && cfg.VariableKey != "" && !event.IsTimeout() {
		state.SetVariable(cfg.VariableKey, event.Payload.Value())
		env[cfg.VariableKey] = event.Payload.Value()
	}
	se.clearAwait(state)
	return se.advance(ctx, state, flow, step, env)
}

// resumeQuestion validates and coerces the reply for a question step,
// driving the retry/fallback machinery.
func (se *StepExecutor) resumeQuestion(ctx context.Context, state *models.ConversationState, flow *models.FlowDefinition, step *models.Step, event *models.InboundEvent, env map[string]interface{}, res *PassResult) stepOutcome {
	cfg := step.Config.Question
	if cfg == nil {
		se.definitionFailure(ctx, state, flow.ID, step.ID, "question step missing config")
		return stepOutcome{halt: true}
	}

	if event.IsTimeout() {
		// The sweeper's synthetic event is a special reply value: no
		// validation, no retry accounting. Conditions see timeout == true,
		// so authored timeout edges match; otherwise the default fires.
		se.clearAwait(state)
		return se.advance(ctx, state, flow, step, env)
	}

	value, verr := coerceReply(step.ID, cfg, event.Payload)
	if verr == nil {
		state.SetVariable(cfg.VariableKey, value)
		env[cfg.VariableKey] = value
		se.clearAwait(state)
		return se.advance(ctx, state, flow, step, env)
	}

	se.audit(events.AuditReplyValidation, state, flow.ID, step.ID, verr.Error())

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = constants.DefaultMaxRetries
	}

	if state.RetryCount >= maxRetries {
		// Retries exhausted: the fallback transition fires without
		// re-evaluating reply conditions.
		se.clearAwait(state)
		fallback := se.transitions.Fallback(step)
		if fallback == nil {
			se.park(state, flow.ID, step.ID)
			return stepOutcome{halt: true}
		}
		return stepOutcome{transition: fallback}
	}

	state.RetryCount++
	if cfg.RetryMessage != "" {
		se.emit(res, state, env, cfg.RetryMessage)
	}
	se.conversations.AwaitReply(state, step.ID, cfg.TimeoutSeconds)
	return stepOutcome{halt: true}
}

// advance resolves the step's outgoing transition against the namespace.
func (se *StepExecutor) advance(ctx context.Context, state *models.ConversationState, flow *models.FlowDefinition, step *models.Step, env map[string]interface{}) stepOutcome {
	t, err := se.transitions.Resolve(flow.ID, step, env)
	if err != nil {
		se.park(state, flow.ID, step.ID)
		return stepOutcome{halt: true}
	}
	if t == nil {
		return stepOutcome{terminal: true}
	}
	return stepOutcome{transition: t}
}

// resolveTarget finds the transition's target step, following a cross-flow
// target when the transition names one.
func (se *StepExecutor) resolveTarget(ctx context.Context, flow *models.FlowDefinition, t *models.Transition) (*models.Step, *models.FlowDefinition) {
	targetFlow := flow
	if t.TargetFlowID != "" && t.TargetFlowID != flow.ID {
		loaded, err := se.flows.GetFlow(ctx, t.TargetFlowID)
		if err != nil || loaded == nil {
			return nil, flow
		}
		targetFlow = loaded
	}
	next := targetFlow.StepByID(t.TargetStepID)
	if next == nil {
		return nil, flow
	}
	return next, targetFlow
}

// emit renders content and appends one outbound instruction in order.
func (se *StepExecutor) emit(res *PassResult, state *models.ConversationState, env map[string]interface{}, content string) {
	res.Outbound = append(res.Outbound, models.OutboundInstruction{
		ConversantID: state.ConversantID,
		Content:      se.resolver.Render(content, env),
		OrderIndex:   len(res.Outbound),
	})
}

func (se *StepExecutor) clearAwait(state *models.ConversationState) {
	state.AwaitingReply = false
	state.RetryCount = 0
	state.AwaitingSince = nil
	state.TimeoutAt = nil
}

// park leaves the conversation at the step, surfacing a stalled-conversation
// taxonomy event. Redelivery is idempotent; the conversation stays here until
// authoring fixes the graph or support intervenes.
func (se *StepExecutor) park(state *models.ConversationState, flowID, stepID string) {
	se.clearAwait(state)
	se.audit(events.AuditNoTransition, state, flowID, stepID,
		apperrors.NewNoTransitionError(flowID, stepID).Error())
	log.Printf("⚠️ StepExecutor: conversation %s parked at flow %s step %s (no transition)", state.ConversantID, flowID, stepID)
}

// AbortDefinition audits a broken graph reference discovered before a pass
// could start and routes the conversation to handover.
func (se *StepExecutor) AbortDefinition(ctx context.Context, state *models.ConversationState, flowID, detail string) {
	se.definitionFailure(ctx, state, flowID, "", detail)
}

// definitionFailure audits a broken graph reference and routes to handover.
func (se *StepExecutor) definitionFailure(ctx context.Context, state *models.ConversationState, flowID, stepID, detail string) {
	se.audit(events.AuditDefinitionError, state, flowID, stepID,
		apperrors.NewDefinitionError(flowID, stepID, detail).Error())
	se.handover(ctx, state, detail)
}

// handover suspends automation and notifies the handover collaborator.
func (se *StepExecutor) handover(ctx context.Context, state *models.ConversationState, reason string) {
	if err := se.conversations.Handover(state, reason); err != nil {
		log.Printf("⚠️ StepExecutor: %v", err)
		return
	}
	se.dispatcher.RequestHandover(ctx, state, reason)
	se.eventBus.PublishAsync(events.ConversationHandedOver, state.ConversantID)
}

func (se *StepExecutor) audit(kind events.EventType, state *models.ConversationState, flowID, stepID, detail string) {
	se.eventBus.PublishAsync(kind, models.AuditEvent{
		ConversantID: state.ConversantID,
		FlowID:       flowID,
		StepID:       stepID,
		Kind:         string(kind),
		Detail:       detail,
		At:           time.Now().UTC(),
	})
}

// coerceReply validates the event payload against the question's expected
// answer type and returns the coerced value.
func coerceReply(stepID string, cfg *models.QuestionConfig, payload models.EventPayload) (interface{}, *apperrors.ReplyValidationError) {
	raw := strings.TrimSpace(payload.Value())

	switch cfg.Expect {
	case constants.AnswerTypeNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, apperrors.NewReplyValidationError(stepID, cfg.Expect, fmt.Sprintf("%q is not a number", raw))
		}
		return f, nil

	case constants.AnswerTypeSelection:
		if raw == "" {
			return nil, apperrors.NewReplyValidationError(stepID, cfg.Expect, "empty reply")
		}
		for _, opt := range cfg.Options {
			if strings.EqualFold(raw, strings.TrimSpace(opt)) {
				return opt, nil
			}
		}
		// A 1-based index into the option list is accepted too.
		if idx, err := strconv.Atoi(raw); err == nil && idx >= 1 && idx <= len(cfg.Options) {
			return cfg.Options[idx-1], nil
		}
		return nil, apperrors.NewReplyValidationError(stepID, cfg.Expect,
			fmt.Sprintf("%q is not one of %v", raw, cfg.Options))

	default: // text
		if raw == "" {
			return nil, apperrors.NewReplyValidationError(stepID, cfg.Expect, "empty reply")
		}
		return raw, nil
	}
}
