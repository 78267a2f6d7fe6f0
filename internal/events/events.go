// Package events fans lifecycle transitions out to in-process subscribers,
// such as the WebSocket stream. Delivery is best effort: a subscriber that
// falls behind loses events instead of slowing the publisher.
package events

import (
	"sync"
	"time"
)

// Event describes one state transition.
type Event struct {
	Type       string    `json:"type"` // "transition", "deferred", "replayed"
	ApprovalID string    `json:"approval_id"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Domain     string    `json:"domain,omitempty"`
	ActionType string    `json:"action_type,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher accepts events. A nil *Bus is a valid Publisher that drops them.
type Publisher interface {
	Publish(Event)
}

// Bus is a fan-out publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	buffer int
}

// NewBus creates a bus whose subscribers buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[int]chan Event), buffer: buffer}
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of events and a cancel function that closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
