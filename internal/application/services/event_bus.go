package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/convocrm/backend/internal/domain/events"
	"github.com/convocrm/backend/internal/domain/ports"
)

// EventType is an alias to the domain type
type EventType = events.EventType

// EngineEvent represents one published engine event
type EngineEvent struct {
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

// EventHandler is a function that handles an event.
// Using the type from ports to ensure interface compatibility.
type EventHandler = ports.EventHandler

// EventBus manages publish-subscribe event system.
// It implements ports.EventPublisher interface. The engine publishes every
// taxonomy occurrence on it; the observability collaborator subscribes.
type EventBus struct {
	handlers map[EventType][]EventHandler
	mu       sync.RWMutex
}

// Ensure EventBus implements ports.EventPublisher at compile time
var _ ports.EventPublisher = (*EventBus)(nil)

// NewEventBus creates a new EventBus instance
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Subscribe registers a handler for a specific event type
// Returns an unsubscribe function
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make([]EventHandler, 0)
	}

	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
	index := len(eb.handlers[eventType]) - 1

	// The unsubscribe function nils out the handler's slot rather than
	// compacting the slice, so indexes held by other subscribers stay valid.
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()

		if handlers := eb.handlers[eventType]; index < len(handlers) {
			handlers[index] = nil
		}
	}
}

// Publish publishes an event to all registered handlers
func (eb *EventBus) Publish(ctx context.Context, eventType EventType, payload interface{}) error {
	// Snapshot under the read lock; unsubscribe mutates slots in place.
	eb.mu.RLock()
	handlers := make([]EventHandler, len(eb.handlers[eventType]))
	copy(handlers, eb.handlers[eventType])
	eb.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	event := EngineEvent{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	}

	// Execute handlers in sequence, skipping unsubscribed slots
	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		if err := handler(ctx, event.Payload); err != nil {
			return fmt.Errorf("EventBus handler error for %s: %w", eventType, err)
		}
	}

	return nil
}

// PublishAsync publishes an event asynchronously
func (eb *EventBus) PublishAsync(eventType EventType, payload interface{}) {
	go func() {
		// Use background context for async events as they are decoupled from the pass
		if err := eb.Publish(context.Background(), eventType, payload); err != nil {
			log.Printf("EventBus async publish error: %v", err)
		}
	}()
}

// Clear removes all handlers (useful for testing)
func (eb *EventBus) Clear() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers = make(map[EventType][]EventHandler)
}
