package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribePublish(t *testing.T) {
	bus := NewBus(4)
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(Event{Type: NewPing, ContactID: 7})

	ev := <-ch
	assert.Equal(t, NewPing, ev.Type)
	assert.EqualValues(t, 7, ev.ContactID)
}

func TestFanOut(t *testing.T) {
	bus := NewBus(4)
	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(Event{Type: MessageReceived, ContactID: 1})
	assert.Equal(t, MessageReceived, (<-ch1).Type)
	assert.Equal(t, MessageReceived, (<-ch2).Type)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(1)
	_, cancel := bus.Subscribe()
	defer cancel()

	// The buffer holds one event; the rest drop instead of blocking.
	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: Typing})
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	bus := NewBus(4)
	ch, cancel := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	cancel()
	assert.Zero(t, bus.SubscriberCount())

	// The channel is closed after cancel.
	_, open := <-ch
	assert.False(t, open)

	// Cancelling twice is safe.
	cancel()
}
