package ports

import (
	"context"

	"github.com/convocrm/backend/internal/domain/events"
)

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, payload interface{}) error

// EventPublisher provides event publishing capabilities.
// Implementations should handle async event dispatching.
type EventPublisher interface {
	// Subscribe registers a handler for a specific event type.
	Subscribe(eventType events.EventType, handler EventHandler) func()

	// Publish dispatches an event to all registered handlers.
	// Returns an error if any handler fails.
	Publish(ctx context.Context, eventType events.EventType, payload interface{}) error

	// PublishAsync dispatches an event without waiting for handlers.
	PublishAsync(eventType events.EventType, payload interface{})
}

// ExpressionEvaluator evaluates authored condition expressions against the
// merged context namespace. This interface enables testing the transition
// resolver and step executor with a stub evaluator.
type ExpressionEvaluator interface {
	Evaluate(expression string, env map[string]interface{}) (interface{}, error)
	EvaluateBool(expression string, env map[string]interface{}) (bool, error)
}
