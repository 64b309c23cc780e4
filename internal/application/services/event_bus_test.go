package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convocrm/backend/internal/domain/events"
)

func TestEventBus_PublishReachesSubscribers(t *testing.T) {
	bus := NewEventBus()
	var got []interface{}

	bus.Subscribe(events.ConversationStarted, func(_ context.Context, payload interface{}) error {
		got = append(got, payload)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), events.ConversationStarted, "u1"))
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0])
}

func TestEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewEventBus()
	var first, second int

	unsubscribe := bus.Subscribe(events.ConversationStarted, func(context.Context, interface{}) error {
		first++
		return nil
	})
	bus.Subscribe(events.ConversationStarted, func(context.Context, interface{}) error {
		second++
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), events.ConversationStarted, "u1"))
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)

	unsubscribe()
	// Unsubscribing twice is harmless.
	unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), events.ConversationStarted, "u2"))
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}
