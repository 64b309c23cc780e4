package constants

import "time"

// Flow definition status values
const (
	FlowStatusActive = "Active"
	FlowStatusDraft  = "Draft"
)

// Step type discriminators for the step config union
const (
	StepTypeSendMessage   = "sendMessage"
	StepTypeQuestion      = "question"
	StepTypeCondition     = "condition"
	StepTypeAction        = "action"
	StepTypeWaitForReply  = "waitForReply"
	StepTypeEndFlow       = "endFlow"
	StepTypeHumanHandover = "humanHandover"
	StepTypeSwitchFlow    = "switchFlow"
)

// Question answer types
const (
	AnswerTypeText      = "text"
	AnswerTypeNumber    = "number"
	AnswerTypeSelection = "selection"
)

// Trigger predicate kinds
const (
	TriggerKindKeyword = "keyword"
	TriggerKindIntent  = "intent"
)

// Conversation status values
const (
	ConversationStatusActive        = "Active"
	ConversationStatusAwaitingHuman = "AwaitingHuman"
	ConversationStatusCompleted     = "Completed"
	ConversationStatusIdle          = "Idle"
)

// Well-known action identifiers for the dispatcher collaborators
const (
	ActionCreateRecord      = "createRecord"
	ActionQueueNotification = "queueNotification"
	ActionRequestHandover   = "requestHandover"
)

// Context variable names populated from the triggering inbound event.
// Event-derived keys always win over stored variables and profile fields.
const (
	VarReply          = "reply"
	VarReplyText      = "reply_text"
	VarReplySelection = "reply_selection"
	VarIntent         = "intent"
	VarTimeout        = "timeout"
	VarActionFailed   = "action_failed"
)

// Engine limits and defaults
const (
	// MaxStepsPerPass bounds one processing pass; authored cycles without a
	// halting step abort to human handover once exceeded.
	MaxStepsPerPass = 50

	// DefaultMaxRetries is used when a question step does not configure its
	// own bound for invalid replies.
	DefaultMaxRetries = 3

	// DefaultSweepSchedule is the cron spec for the reply-timeout sweeper.
	DefaultSweepSchedule = "@every 30s"

	// OutboxMaxAttempts bounds delivery retries for one outbound instruction.
	OutboxMaxAttempts = 5

	// OutboxRetryDelay is the base delay before an outbound send is retried.
	OutboxRetryDelay = 30 * time.Second

	// OutboxClaimTimeout is how long a claimed instruction may sit in the
	// sending status before the worker reclaims it. Covers a crash between
	// claim and the sent/failed mark.
	OutboxClaimTimeout = 5 * time.Minute
)

// SyntheticDeliveryPrefix marks delivery IDs the engine fabricates itself
// (timeout sweeps). The conversation version suffix keeps re-sweeps idempotent.
const SyntheticDeliveryPrefix = "timeout:"
