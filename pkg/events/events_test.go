package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe()
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Publish(&Event{Type: EventJobCreated, JobID: "j1", Message: "queued"})

	select {
	case ev := <-sub:
		assert.Equal(t, EventJobCreated, ev.Type)
		assert.Equal(t, "j1", ev.JobID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestFanout(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(&Event{Type: EventEvaluationComplete})

	for _, sub := range []Subscriber{a, b} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventEvaluationComplete, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("event not delivered to every subscriber")
		}
	}
}

func TestPerSubscriberOrdering(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe()
	for i := 0; i < 10; i++ {
		bus.Publish(&Event{Type: EventJobProgress, Message: fmt.Sprintf("%d", i)})
	}

	for i := 0; i < 10; i++ {
		select {
		case ev := <-sub:
			assert.Equal(t, fmt.Sprintf("%d", i), ev.Message)
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	slow := bus.Subscribe()
	fast := bus.Subscribe()

	// Overflow the slow subscriber's buffer without draining it.
	for i := 0; i < cap(slow)+10; i++ {
		bus.Publish(&Event{Type: EventJobProgress})
	}

	received := 0
	deadline := time.After(2 * time.Second)
	for received < cap(slow) {
		select {
		case <-fast:
			received++
		case <-deadline:
			t.Fatalf("fast subscriber starved after %d events", received)
		}
	}
	assert.Len(t, slow, cap(slow))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe()
	bus.Unsubscribe(sub)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-sub
	require.False(t, open)

	// Second unsubscribe of the same channel is a no-op.
	bus.Unsubscribe(sub)
}
