package network

import "sync"

// EventType is the kind of transport event.
type EventType int

const (
	EventConnected EventType = iota + 1
	EventDisconnected
	EventReceived
	EventError
)

var eventTypeNames = map[EventType]string{
	EventConnected:    "connected",
	EventDisconnected: "disconnected",
	EventReceived:     "received",
	EventError:        "error",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Event is a single transport notification. Data is set for EventReceived,
// Err for EventError.
type Event struct {
	Type EventType
	Peer Peer
	Data []byte
	Err  error
}

// EventQueue is an unbounded FIFO filled by transport goroutines and drained
// by the relay loop.
type EventQueue struct {
	mu     sync.Mutex
	events []Event
}

// NewEventQueue creates an empty queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{}
}

// Push appends an event.
func (q *EventQueue) Push(ev Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
}

// Drain removes and returns every queued event in arrival order.
func (q *EventQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil
	}
	out := q.events
	q.events = nil
	return out
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Clear discards queued events.
func (q *EventQueue) Clear() {
	q.mu.Lock()
	q.events = nil
	q.mu.Unlock()
}
