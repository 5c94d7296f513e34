package enrollgate

import (
	"sync"
	"time"
)

type EventType string

const (
	EventProvisioned   EventType = "provisioned"
	EventRejected      EventType = "rejected"
	EventDeprovisioned EventType = "deprovisioned"
	EventCounterDesync EventType = "counter_desync"
	EventLimitChanged  EventType = "limit_changed"
	EventAuditDrift    EventType = "audit_drift"
)

// Event is one provisioning lifecycle occurrence, consumed by the
// operator event stream.
type Event struct {
	Type          EventType `json:"type"`
	Identity      string    `json:"identity,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Count         int       `json:"count,omitempty"`
	Limit         int       `json:"limit,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     string    `json:"timestamp"`
}

// EventHub fans events out to subscribers. Publishing never blocks a
// workflow: a subscriber whose buffer is full loses the event rather
// than stalling provisioning.
type EventHub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	buffer int
}

func NewEventHub(buffer int) *EventHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventHub{
		subs:   map[chan Event]struct{}{},
		buffer: buffer,
	}
}

// Subscribe returns a receive channel and a cancel func. Cancel must
// be called when the consumer goes away; it closes the channel.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *EventHub) Publish(event Event) {
	if h == nil {
		return
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *EventHub) SubscriberCount() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
