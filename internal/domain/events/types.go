package events

// EventType defines the type of event in the system
type EventType string

const (
	// Engine audit events (operator-facing taxonomy feed)
	AuditDefinitionError EventType = "engine.audit.definitionError"
	AuditReplyValidation EventType = "engine.audit.replyValidation"
	AuditNoTransition    EventType = "engine.audit.noTransition"
	AuditActionFailure   EventType = "engine.audit.actionFailure"
	AuditIterationLimit  EventType = "engine.audit.iterationLimit"
	AuditSuppressed      EventType = "engine.audit.suppressed"

	// Conversation lifecycle events
	ConversationStarted    EventType = "conversation.started"
	ConversationCompleted  EventType = "conversation.completed"
	ConversationHandedOver EventType = "conversation.handedOver"

	// Action collaborator events
	NotificationQueued EventType = "action.notificationQueued"
	HandoverRequested  EventType = "action.handoverRequested"

	// System Events
	SystemStartup EventType = "system.startup"
)

// String returns the string representation of the event type
func (e EventType) String() string {
	return string(e)
}
