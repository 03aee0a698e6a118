package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPublishSubscribe tests basic event delivery
func TestPublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Publish(New(EventReady, nil))

	select {
	case event := <-sub:
		assert.Equal(t, EventReady, event.Type)
		assert.NotEmpty(t, event.ID)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

// TestMultipleSubscribers tests fan-out to every subscriber
func TestMultipleSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	subA := broker.Subscribe()
	subB := broker.Subscribe()
	require.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(New(EventGroupAdded, int64(42)))

	for _, sub := range []Subscriber{subA, subB} {
		select {
		case event := <-sub:
			assert.Equal(t, EventGroupAdded, event.Type)
			assert.Equal(t, int64(42), event.Payload)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}

// TestUnsubscribe tests that an unsubscribed channel is closed
func TestUnsubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)

	assert.Equal(t, 0, broker.SubscriberCount())
	_, open := <-sub
	assert.False(t, open, "unsubscribed channel should be closed")
}

// TestStopClosesSubscribers tests that Stop terminates consumers ranging
// over their subscription
func TestStopClosesSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()

	sub := broker.Subscribe()
	done := make(chan struct{})
	go func() {
		for range sub {
		}
		close(done)
	}()

	broker.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer still ranging after Stop")
	}
	assert.Equal(t, 0, broker.SubscriberCount())
}

// TestStopIdempotent tests that Stop can be called repeatedly
func TestStopIdempotent(t *testing.T) {
	broker := NewBroker()
	broker.Start()

	broker.Stop()
	broker.Stop()

	// Publishing after stop must not block.
	done := make(chan struct{})
	go func() {
		broker.Publish(New(EventReady, nil))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked after Stop")
	}
}
