package models

import (
	"fmt"

	"github.com/convocrm/backend/pkg/constants"
)

// TriggerPredicate starts a flow when an inbound event matches it.
// Kind is keyword (case-insensitive match on inbound text) or intent
// (classifier label carried on the event).
type TriggerPredicate struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// FlowDefinition is one authored, versioned conversational script.
// Definitions are immutable per version and read-only to the engine.
type FlowDefinition struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Version  int                `json:"version"`
	Active   bool               `json:"active"`
	Triggers []TriggerPredicate `json:"triggers,omitempty"`
	Steps    []Step             `json:"steps"`
}

// Step is a single node in a flow graph. Exactly one Config member matching
// Type must be populated; Validate enforces this at load time.
type Step struct {
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	Entry       bool         `json:"entry,omitempty"`
	Type        string       `json:"type"`
	Config      StepConfig   `json:"config"`
	Transitions []Transition `json:"transitions,omitempty"`
}

// Transition is a directed, prioritized, conditionally-guarded edge.
// Lower Priority evaluates first; Seq is authoring order and breaks ties.
// An empty Condition marks the default/fallback edge.
type Transition struct {
	TargetStepID string `json:"target_step_id"`
	TargetFlowID string `json:"target_flow_id,omitempty"`
	Priority     int    `json:"priority"`
	Condition    string `json:"condition,omitempty"`
	Seq          int    `json:"seq"`
}

// StepConfig is the tagged union of per-type step configuration.
// The member populated must match Step.Type.
type StepConfig struct {
	SendMessage   *SendMessageConfig   `json:"send_message,omitempty"`
	Question      *QuestionConfig      `json:"question,omitempty"`
	Condition     *ConditionConfig     `json:"condition,omitempty"`
	Action        *ActionStepConfig    `json:"action,omitempty"`
	WaitForReply  *WaitForReplyConfig  `json:"wait_for_reply,omitempty"`
	EndFlow       *EndFlowConfig       `json:"end_flow,omitempty"`
	HumanHandover *HumanHandoverConfig `json:"human_handover,omitempty"`
	SwitchFlow    *SwitchFlowConfig    `json:"switch_flow,omitempty"`
}

// SendMessageConfig renders Content through the template engine and emits it.
type SendMessageConfig struct {
	Content string `json:"content"`
}

// QuestionConfig sends Prompt, then halts awaiting a reply which is coerced
// against Expect and stored under VariableKey.
type QuestionConfig struct {
	Prompt         string   `json:"prompt"`
	VariableKey    string   `json:"variable_key"`
	Expect         string   `json:"expect"` // text, number, selection
	Options        []string `json:"options,omitempty"`
	RetryMessage   string   `json:"retry_message,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// ConditionConfig has no payload; the step exists for its transitions.
type ConditionConfig struct{}

// ActionStepConfig invokes the listed dispatcher calls in order.
type ActionStepConfig struct {
	Calls []ActionCall `json:"calls"`
}

// ActionCall is one external-effect invocation. Params values are rendered
// through the template engine against the merged context before dispatch.
type ActionCall struct {
	ActionID  string            `json:"action_id"`
	Params    map[string]string `json:"params,omitempty"`
	ResultKey string            `json:"result_key,omitempty"`
	Blocking  bool              `json:"blocking,omitempty"`
}

// WaitForReplyConfig halts like a question but stores the next inbound
// payload verbatim, without validation.
type WaitForReplyConfig struct {
	VariableKey    string `json:"variable_key,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// EndFlowConfig terminates the conversation's active flow.
type EndFlowConfig struct{}

// HumanHandoverConfig suspends automation and notifies an operator.
type HumanHandoverConfig struct {
	Reason string `json:"reason,omitempty"`
}

// SwitchFlowConfig replaces the active flow with the target flow's entry
// step. Variables carry over unless ResetVariables is set.
type SwitchFlowConfig struct {
	TargetFlowID   string `json:"target_flow_id"`
	ResetVariables bool   `json:"reset_variables,omitempty"`
}

// StepByID returns the step with the given ID, or nil.
func (f *FlowDefinition) StepByID(id string) *Step {
	for i := range f.Steps {
		if f.Steps[i].ID == id {
			return &f.Steps[i]
		}
	}
	return nil
}

// EntryStep returns the entry step and how many steps carry the entry flag.
// When more than one step is flagged the first one wins; validation should
// have rejected the definition earlier.
func (f *FlowDefinition) EntryStep() (*Step, int) {
	var entry *Step
	count := 0
	for i := range f.Steps {
		if f.Steps[i].Entry {
			if entry == nil {
				entry = &f.Steps[i]
			}
			count++
		}
	}
	return entry, count
}

// Validate checks structural invariants of the step union: the config member
// matching Type is populated and no other member is.
func (s *Step) Validate() error {
	populated := 0
	var matches bool
	check := func(typ string, set bool) {
		if set {
			populated++
			if s.Type == typ {
				matches = true
			}
		}
	}
	check(constants.StepTypeSendMessage, s.Config.SendMessage != nil)
	check(constants.StepTypeQuestion, s.Config.Question != nil)
	check(constants.StepTypeCondition, s.Config.Condition != nil)
	check(constants.StepTypeAction, s.Config.Action != nil)
	check(constants.StepTypeWaitForReply, s.Config.WaitForReply != nil)
	check(constants.StepTypeEndFlow, s.Config.EndFlow != nil)
	check(constants.StepTypeHumanHandover, s.Config.HumanHandover != nil)
	check(constants.StepTypeSwitchFlow, s.Config.SwitchFlow != nil)

	switch {
	case populated == 0 && (s.Type == constants.StepTypeCondition || s.Type == constants.StepTypeEndFlow):
		// Config-free step types may omit their empty payload.
		return nil
	case populated == 0:
		return fmt.Errorf("step %s: type %s has no config payload", s.ID, s.Type)
	case populated > 1:
		return fmt.Errorf("step %s: multiple config payloads populated", s.ID)
	case !matches:
		return fmt.Errorf("step %s: config payload does not match type %s", s.ID, s.Type)
	}
	return nil
}

// IsHalting reports whether the step type suspends the pass after executing.
func (s *Step) IsHalting() bool {
	switch s.Type {
	case constants.StepTypeQuestion, constants.StepTypeWaitForReply,
		constants.StepTypeHumanHandover, constants.StepTypeEndFlow:
		return true
	}
	return false
}
