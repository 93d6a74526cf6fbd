package signals

import (
	"sync"
)

// clientBufferSize bounds the per-client queue. A client that falls this far
// behind misses events rather than stalling the bus.
const clientBufferSize = 16

// Subscription is one page connection listening for signals.
type Subscription struct {
	ClientID string
	C        <-chan *Event

	ch     chan *Event
	hub    *Hub
	closed bool
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub fans bus events out to connected pages.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Subscription]struct{}

	onDrop func(clientID string)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Subscription]struct{})}
}

// OnDrop sets a callback run for every delivery skipped because a client's
// queue was full. Set it before the hub is in use.
func (h *Hub) OnDrop(fn func(clientID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDrop = fn
}

// Subscribe registers a client and returns its event channel.
func (h *Hub) Subscribe(clientID string) *Subscription {
	ch := make(chan *Event, clientBufferSize)
	sub := &Subscription{ClientID: clientID, C: ch, ch: ch, hub: h}

	h.mu.Lock()
	h.clients[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.clients, sub)
	close(sub.ch)
}

// Handle delivers event to every subscriber. It is a bus Handler.
func (h *Hub) Handle(event *Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.clients {
		select {
		case sub.ch <- event:
		default:
			if h.onDrop != nil {
				h.onDrop(sub.ClientID)
			}
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes every client, ending their streams.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.clients {
		sub.closed = true
		close(sub.ch)
		delete(h.clients, sub)
	}
}
