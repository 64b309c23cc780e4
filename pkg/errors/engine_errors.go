package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Engine taxonomy codes. Every taxonomy error is also published to the audit
// feed so operators see it even when the conversant does not.
const (
	CodeDefinitionError = "DEFINITION_ERROR"
	CodeReplyValidation = "REPLY_VALIDATION"
	CodeNoTransition    = "NO_TRANSITION"
	CodeActionFailure   = "ACTION_FAILURE"
	CodeIterationLimit  = "ITERATION_LIMIT"
)

// DefinitionError means a referenced step, transition target, or flow no
// longer exists in the authored graph. Recovered by routing the conversation
// to human handover, never by crashing the pass.
type DefinitionError struct {
	FlowID  string
	StepID  string
	Message string
}

func (e *DefinitionError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("flow %s: step %s: %s", e.FlowID, e.StepID, e.Message)
	}
	return fmt.Sprintf("flow %s: %s", e.FlowID, e.Message)
}

func (e *DefinitionError) HTTPStatus() int { return http.StatusUnprocessableEntity }
func (e *DefinitionError) Code() string    { return CodeDefinitionError }

// NewDefinitionError creates a new DefinitionError
func NewDefinitionError(flowID, stepID, message string) *DefinitionError {
	return &DefinitionError{FlowID: flowID, StepID: stepID, Message: message}
}

// ReplyValidationError means an inbound reply failed a question step's
// coercion. Recovered locally via the retry/fallback path.
type ReplyValidationError struct {
	StepID  string
	Expect  string
	Message string
}

func (e *ReplyValidationError) Error() string {
	return fmt.Sprintf("step %s: reply failed %s validation: %s", e.StepID, e.Expect, e.Message)
}

func (e *ReplyValidationError) HTTPStatus() int { return http.StatusBadRequest }
func (e *ReplyValidationError) Code() string    { return CodeReplyValidation }

// NewReplyValidationError creates a new ReplyValidationError
func NewReplyValidationError(stepID, expect, message string) *ReplyValidationError {
	return &ReplyValidationError{StepID: stepID, Expect: expect, Message: message}
}

// NoTransitionError means a step's transition list had no matching condition
// and no fallback. The conversation stays parked at the step until the graph
// is fixed or support intervenes.
type NoTransitionError struct {
	FlowID string
	StepID string
}

func (e *NoTransitionError) Error() string {
	return fmt.Sprintf("flow %s: step %s: no transition matched and no fallback configured", e.FlowID, e.StepID)
}

func (e *NoTransitionError) HTTPStatus() int { return http.StatusUnprocessableEntity }
func (e *NoTransitionError) Code() string    { return CodeNoTransition }

// NewNoTransitionError creates a new NoTransitionError
func NewNoTransitionError(flowID, stepID string) *NoTransitionError {
	return &NoTransitionError{FlowID: flowID, StepID: stepID}
}

// ActionFailureError means a downstream action call failed. Non-blocking
// actions log and continue; blocking actions take their failure transition.
type ActionFailureError struct {
	ActionID string
	StepID   string
	Cause    error
}

func (e *ActionFailureError) Error() string {
	return fmt.Sprintf("action %s at step %s failed: %v", e.ActionID, e.StepID, e.Cause)
}

func (e *ActionFailureError) HTTPStatus() int { return http.StatusBadGateway }
func (e *ActionFailureError) Code() string    { return CodeActionFailure }
func (e *ActionFailureError) Unwrap() error   { return e.Cause }

// NewActionFailureError creates a new ActionFailureError
func NewActionFailureError(actionID, stepID string, cause error) *ActionFailureError {
	return &ActionFailureError{ActionID: actionID, StepID: stepID, Cause: cause}
}

// IterationLimitError means one pass exceeded the step-iteration bound,
// indicating an authored cycle with no halting step.
type IterationLimitError struct {
	FlowID string
	Limit  int
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("flow %s: exceeded %d steps in a single pass", e.FlowID, e.Limit)
}

func (e *IterationLimitError) HTTPStatus() int { return http.StatusUnprocessableEntity }
func (e *IterationLimitError) Code() string    { return CodeIterationLimit }

// NewIterationLimitError creates a new IterationLimitError
func NewIterationLimitError(flowID string, limit int) *IterationLimitError {
	return &IterationLimitError{FlowID: flowID, Limit: limit}
}

// Taxonomy helpers

// IsDefinition checks if an error is a DefinitionError
func IsDefinition(err error) bool {
	var e *DefinitionError
	return errors.As(err, &e)
}

// IsReplyValidation checks if an error is a ReplyValidationError
func IsReplyValidation(err error) bool {
	var e *ReplyValidationError
	return errors.As(err, &e)
}

// IsNoTransition checks if an error is a NoTransitionError
func IsNoTransition(err error) bool {
	var e *NoTransitionError
	return errors.As(err, &e)
}

// IsActionFailure checks if an error is an ActionFailureError
func IsActionFailure(err error) bool {
	var e *ActionFailureError
	return errors.As(err, &e)
}

// IsIterationLimit checks if an error is an IterationLimitError
func IsIterationLimit(err error) bool {
	var e *IterationLimitError
	return errors.As(err, &e)
}
