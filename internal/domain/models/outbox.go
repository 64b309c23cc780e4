package models

import "time"

// OutboxStatus represents the lifecycle state of an outbox entry.
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// OutboxEntry is one durably stored outbound instruction awaiting delivery
// to the channel-send collaborator.
type OutboxEntry struct {
	ID            string       `json:"id"`
	ConversantID  string       `json:"conversant_id"`
	Content       string       `json:"content"`
	OrderIndex    int          `json:"order_index"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	DedupeKey     string       `json:"dedupe_key"`
	NextAttemptAt *time.Time   `json:"next_attempt_at,omitempty"`
	ClaimedAt     *time.Time   `json:"claimed_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Instruction converts the entry back to the wire instruction shape.
func (e *OutboxEntry) Instruction() OutboundInstruction {
	return OutboundInstruction{
		ConversantID: e.ConversantID,
		Content:      e.Content,
		OrderIndex:   e.OrderIndex,
	}
}
