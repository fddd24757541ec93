package driver

import (
	"sync"
	"time"

	"eftpos-bridge/internal/eftpos"
)

// EventType names the kind of a published flow event.
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventQuestion  EventType = "question"
	EventDelayed   EventType = "delayed"
	EventCompleted EventType = "completed"
)

// Event is the serialisable form of a flow event, sent to UI subscribers.
type Event struct {
	Type          EventType        `json:"type"`
	TransactionID string           `json:"transaction_id"`
	Provider      string           `json:"provider,omitempty"`
	Message       string           `json:"message,omitempty"`
	Question      *eftpos.Question `json:"question,omitempty"`
	Result        *eftpos.Result   `json:"result,omitempty"`
	Time          time.Time        `json:"time"`
}

// Hub fans flow events out to subscribers. Slow subscribers lose events
// rather than stalling a payment.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe returns an event channel and a function that unsubscribes and
// closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.buffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
