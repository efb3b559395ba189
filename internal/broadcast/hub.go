// Package broadcast fans lifecycle events out to in-process subscribers,
// one topic per auction.
package broadcast

import (
	"context"
	"sync"

	"github.com/jensholdgaard/auctiond/internal/event"
)

// All is the topic that receives every event regardless of aggregate.
const All = "*"

// DefaultBuffer is the per-subscriber channel capacity used by NewHub.
const DefaultBuffer = 64

// Hub delivers events to subscribers of the event's aggregate id and of All.
// Delivery never blocks: a subscriber whose buffer is full is dropped and
// its channel closed.
type Hub struct {
	mu     sync.Mutex
	buffer int
	nextID int
	topics map[string]map[int]chan event.Event
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return NewHubWithBuffer(DefaultBuffer)
}

// NewHubWithBuffer returns an empty Hub whose subscribers buffer n events.
func NewHubWithBuffer(n int) *Hub {
	return &Hub{buffer: n, topics: make(map[string]map[int]chan event.Event)}
}

// Subscribe registers interest in topic. The returned cancel function
// unsubscribes and closes the channel; calling it more than once is safe.
func (h *Hub) Subscribe(topic string) (<-chan event.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	ch := make(chan event.Event, h.buffer)
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[int]chan event.Event)
		h.topics[topic] = subs
	}
	subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.remove(topic, id)
	}
}

// Publish implements event.Publisher.
func (h *Hub) Publish(_ context.Context, e event.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range []string{e.AggregateID, All} {
		for id, ch := range h.topics[topic] {
			select {
			case ch <- e:
			default:
				h.remove(topic, id)
			}
		}
	}
	return nil
}

// Subscribers returns the number of subscribers of topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// remove must be called with h.mu held.
func (h *Hub) remove(topic string, id int) {
	subs := h.topics[topic]
	ch, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	close(ch)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}
