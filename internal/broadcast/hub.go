// Package broadcast fans terminal output events out to per-session
// subscribers. Delivery is best effort: a subscriber that stops
// draining its channel loses events rather than blocking the command
// poll loop.
package broadcast

import (
	"sync"
	"time"
)

// Event types carried on session channels.
const (
	TypeInput  = "input"
	TypeOutput = "output"
)

// Event is one terminal output frame for a session.
type Event struct {
	Output    string    `json:"output"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriber channels hold this many undelivered events before the hub
// starts dropping for that subscriber.
const subscriberBuffer = 64

// Hub routes events to the subscribers of each session.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers a new listener for the session and returns its
// channel. The caller must Unsubscribe when done.
func (h *Hub) Subscribe(sessionID string) chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[chan Event]struct{})
		h.subs[sessionID] = set
	}
	set[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the listener and closes its channel.
func (h *Hub) Unsubscribe(sessionID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(h.subs, sessionID)
	}
	close(ch)
}

// Publish delivers ev to every subscriber of the session without
// blocking. Subscribers with full buffers are skipped.
func (h *Hub) Publish(sessionID string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[sessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports how many listeners a session has.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
