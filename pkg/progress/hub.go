// Package progress pushes job progress and lifecycle events to
// per-job subscribers over a duplex websocket channel.
package progress

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/stratoform/lattice/pkg/events"
	"github.com/stratoform/lattice/pkg/log"
)

// jobEventTypes are the bus events fanned out to job subscribers.
var jobEventTypes = map[events.EventType]bool{
	events.EventJobCreated:   true,
	events.EventJobProgress:  true,
	events.EventJobCompleted: true,
	events.EventJobFailed:    true,
	events.EventJobCancelled: true,
}

// Hub owns a registry of per-job subscriber channels fed from the
// event bus. Engines never hold subscriber references; they publish to
// the bus and the hub routes. Delivery is at-most-once and FIFO per
// job: the single forwarding loop preserves bus order, and a slow
// subscriber loses events instead of stalling the rest.
type Hub struct {
	bus    *events.Bus
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]map[chan *events.Event]bool

	src  events.Subscriber
	done chan struct{}
}

// NewHub creates a progress hub on the bus.
func NewHub(bus *events.Bus) *Hub {
	return &Hub{
		bus:    bus,
		logger: log.WithComponent("progress"),
		subs:   make(map[string]map[chan *events.Event]bool),
	}
}

// Start subscribes to the bus and begins routing.
func (h *Hub) Start() {
	h.src = h.bus.Subscribe()
	h.done = make(chan struct{})
	go h.run()
}

// Stop detaches from the bus and closes every subscriber channel.
func (h *Hub) Stop() {
	if h.src == nil {
		return
	}
	h.bus.Unsubscribe(h.src)
	<-h.done
	h.src = nil

	h.mu.Lock()
	defer h.mu.Unlock()
	for jobID, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, jobID)
	}
}

// SubscribeJob registers a new subscriber channel for one job.
// Subscribers joining mid-run see only subsequent events.
func (h *Hub) SubscribeJob(jobID string) chan *events.Event {
	ch := make(chan *events.Event, 64)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan *events.Event]bool)
	}
	h.subs[jobID][ch] = true
	return ch
}

// UnsubscribeJob drops one subscriber. Safe to call after Stop.
func (h *Hub) UnsubscribeJob(jobID string, ch chan *events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[jobID]
	if set == nil || !set[ch] {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(h.subs, jobID)
	}
	close(ch)
}

// SubscriberCount reports active subscribers for one job.
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

func (h *Hub) run() {
	defer close(h.done)
	for ev := range h.src {
		if ev.JobID == "" || !jobEventTypes[ev.Type] {
			continue
		}
		h.mu.Lock()
		for ch := range h.subs[ev.JobID] {
			select {
			case ch <- ev:
			default:
				// Subscriber buffer full, drop
			}
		}
		h.mu.Unlock()
	}
}
