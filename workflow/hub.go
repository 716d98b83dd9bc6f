package workflow

import (
	"sync"
	"time"

	"github.com/c360studio/semcrew/agent"
)

// Run lifecycle event names published on the hub.
const (
	EventRunStarted     = "run_started"
	EventTaskDispatched = "task_dispatched"
	EventTaskCompleted  = "task_completed"
	EventRunCompleted   = "run_completed"
)

// Event is one run lifecycle notification.
type Event struct {
	Name    string
	RunID   string
	Agent   agent.Identity
	At      time.Time
	Payload map[string]any
}

// Hub fans run events out to subscribers. Publishing never blocks; a
// subscriber that stops draining loses events rather than stalling a
// run.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered subscriber. The returned cancel
// detaches it and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber with room.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
