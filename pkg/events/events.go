package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventFailoverActivated   EventType = "failover-activated"
	EventFailoverDeactivated EventType = "failover-deactivated"
	EventScalingActivated    EventType = "scaling-activated"
	EventScalingDeactivated  EventType = "scaling-deactivated"
	EventEvaluationComplete  EventType = "evaluation-complete"
	EventJobCreated          EventType = "job-created"
	EventJobProgress         EventType = "job-progress"
	EventJobCompleted        EventType = "job-completed"
	EventJobFailed           EventType = "job-failed"
	EventJobCancelled        EventType = "job-cancelled"
)

// Event is an in-process bus record. Engines hand the bus opaque payload
// maps; they never hold subscriber references.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	JobID     string
	Message   string
	Payload   map[string]any
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Bus manages event subscriptions and distribution
type Bus struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the bus distribution loop
func (b *Bus) Start() {
	go b.run()
}

// Stop stops the bus
func (b *Bus) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers
func (b *Bus) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

// broadcast delivers in subscription order; per-subscriber channels
// preserve FIFO, delivery is at-most-once (full buffers are skipped).
func (b *Bus) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
