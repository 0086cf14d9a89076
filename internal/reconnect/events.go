package reconnect

import (
	"sync"
	"time"
)

// EventType names the four discrete notifications the manager emits.
type EventType string

const (
	EventSucceeded EventType = "succeeded"
	EventExhausted EventType = "exhausted"
	EventPaused    EventType = "paused"
	EventResumed   EventType = "resumed"
)

// Notification is one emitted event.
type Notification struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Attempts  int       `json:"attempts"`
	Details   string    `json:"details,omitempty"`
}

// Listener receives notifications. Listeners are called synchronously from
// the goroutine that caused the event; long-running handlers should spawn
// goroutines.
type Listener func(Notification)

// Property names an observable field of State.
type Property string

const (
	PropAttemptCount Property = "attempt_count"
	PropReconnecting Property = "reconnecting"
	PropNextDelay    Property = "next_delay"
)

// PropertyObserver is called after a property changes with its new value:
// an int for PropAttemptCount, a bool for PropReconnecting and a
// time.Duration for PropNextDelay.
type PropertyObserver func(p Property, value any)

const historySize = 100

// history is a fixed-size ring buffer of the most recent notifications.
type history struct {
	mu     sync.Mutex
	events [historySize]Notification
	head   int
	count  int
}

func (h *history) record(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[h.head] = n
	h.head = (h.head + 1) % historySize
	if h.count < historySize {
		h.count++
	}
}

// list returns notifications oldest first.
func (h *history) list() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return nil
	}
	result := make([]Notification, h.count)
	if h.count < historySize {
		copy(result, h.events[:h.count])
	} else {
		n := copy(result, h.events[h.head:])
		copy(result[n:], h.events[:h.head])
	}
	return result
}
