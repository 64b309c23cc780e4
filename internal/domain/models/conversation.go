package models

import (
	"time"

	"github.com/convocrm/backend/pkg/constants"
)

// ConversationState is the single mutable record the engine owns per
// conversant. It is never physically deleted; completing or resetting a flow
// clears the flow position and leaves the record in place.
type ConversationState struct {
	ConversantID  string                 `json:"conversant_id"`
	FlowID        *string                `json:"flow_id,omitempty"`
	FlowVersion   int                    `json:"flow_version,omitempty"`
	CurrentStepID *string                `json:"current_step_id,omitempty"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	Version       int64                  `json:"version"`
	Status        string                 `json:"status"`
	AwaitingReply bool                   `json:"awaiting_reply,omitempty"`
	RetryCount    int                    `json:"retry_count,omitempty"`
	AwaitingSince *time.Time             `json:"awaiting_since,omitempty"`
	TimeoutAt     *time.Time             `json:"timeout_at,omitempty"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// NewConversationState creates an idle state for a conversant seen for the
// first time.
func NewConversationState(conversantID string) *ConversationState {
	return &ConversationState{
		ConversantID: conversantID,
		Variables:    make(map[string]interface{}),
		Status:       constants.ConversationStatusIdle,
		UpdatedAt:    time.Now().UTC(),
	}
}

// HasActiveFlow reports whether a flow is currently driving this conversation.
func (c *ConversationState) HasActiveFlow() bool {
	return c.FlowID != nil && *c.FlowID != ""
}

// ClearFlow resets the flow position while keeping the record and Variables.
func (c *ConversationState) ClearFlow() {
	c.FlowID = nil
	c.FlowVersion = 0
	c.CurrentStepID = nil
	c.AwaitingReply = false
	c.RetryCount = 0
	c.AwaitingSince = nil
	c.TimeoutAt = nil
}

// SetVariable writes a variable, lazily allocating the map.
func (c *ConversationState) SetVariable(key string, value interface{}) {
	if c.Variables == nil {
		c.Variables = make(map[string]interface{})
	}
	c.Variables[key] = value
}

// SyntheticKind distinguishes engine-fabricated events from channel traffic.
type SyntheticKind string

const (
	// SyntheticNone marks a real channel event.
	SyntheticNone SyntheticKind = ""
	// SyntheticTimeout marks a timeout event injected by the sweeper.
	SyntheticTimeout SyntheticKind = "timeout"
)

// EventPayload is the normalized content of one inbound channel event.
// Exactly one of Text, Selection, MediaRef is expected to be set for real
// events; Intent is an optional classifier label attached upstream.
type EventPayload struct {
	Text      string        `json:"text,omitempty"`
	Selection string        `json:"selection,omitempty"`
	MediaRef  string        `json:"media_ref,omitempty"`
	Intent    string        `json:"intent,omitempty"`
	Synthetic SyntheticKind `json:"synthetic,omitempty"`
}

// Value returns the payload's reply value: selection wins over text.
func (p EventPayload) Value() string {
	if p.Selection != "" {
		return p.Selection
	}
	if p.Text != "" {
		return p.Text
	}
	return p.MediaRef
}

// InboundEvent is one normalized event from the channel adapter. DeliveryID
// is the upstream delivery identifier used for idempotent processing.
type InboundEvent struct {
	ConversantID string       `json:"conversant_id"`
	DeliveryID   string       `json:"delivery_id"`
	Payload      EventPayload `json:"payload"`
	ReceivedAt   time.Time    `json:"received_at"`
}

// IsTimeout reports whether this is a sweeper-injected timeout event.
func (e *InboundEvent) IsTimeout() bool {
	return e.Payload.Synthetic == SyntheticTimeout
}

// OutboundInstruction is one rendered message for the channel-send
// collaborator. OrderIndex preserves production order within a pass.
type OutboundInstruction struct {
	ConversantID string `json:"conversant_id"`
	Content      string `json:"content"`
	OrderIndex   int    `json:"order_index"`
}

// ActionRequest is one external-effect call handed to an action collaborator.
// IdempotencyKey is deterministic per (conversant, step, state version) so
// redispatch after a crash cannot double-create records.
type ActionRequest struct {
	ActionID       string                 `json:"action_id"`
	ConversantID   string                 `json:"conversant_id"`
	StepID         string                 `json:"step_id"`
	Params         map[string]interface{} `json:"params,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

// ActionResult is the acknowledgment from an action collaborator. Value, if
// present, is merged into the conversation variables under the configured key.
type ActionResult struct {
	Value interface{} `json:"value,omitempty"`
}

// AuditEvent records one engine taxonomy occurrence for the operator feed.
type AuditEvent struct {
	ConversantID string    `json:"conversant_id"`
	FlowID       string    `json:"flow_id,omitempty"`
	StepID       string    `json:"step_id,omitempty"`
	Kind         string    `json:"kind"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}
