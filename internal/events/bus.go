package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultMailboxSize is the number of undelivered events a subscriber may
// hold before further events to it are dropped.
const DefaultMailboxSize = 1024

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus implements an asynchronous publish-subscribe event system.
// Every subscriber name owns one mailbox drained by its own goroutine, shared
// by all event types subscribed under that name. A subscriber therefore sees
// its events in emit order across types, and a slow subscriber never blocks
// the emitter or the other subscribers.
type EventBus struct {
	mu        sync.RWMutex
	handlers  map[EventType][]*binding
	mailboxes map[string]*mailbox
	stopCh    chan struct{}
	stopped   bool
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	mailbox   int
}

type mailbox struct {
	name string
	ch   chan delivery
	refs int
}

// binding attaches a handler for one event type to a subscriber's mailbox.
type binding struct {
	box     *mailbox
	handler HandlerFunc
}

type delivery struct {
	ctx     context.Context
	event   Event
	handler HandlerFunc
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return NewEventBusWithMailbox(DefaultMailboxSize)
}

// NewEventBusWithMailbox creates an EventBus whose subscribers buffer up to
// size events.
func NewEventBusWithMailbox(size int) *EventBus {
	if size < 1 {
		size = 1
	}
	return &EventBus{
		handlers:  make(map[EventType][]*binding),
		mailboxes: make(map[string]*mailbox),
		stopCh:    make(chan struct{}),
		mailbox:   size,
	}
}

// Subscribe registers a handler function for a specific event type.
// Handlers subscribed under the same name share one mailbox and run
// sequentially in emit order.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.stopped {
		return
	}

	box, ok := eb.mailboxes[name]
	if !ok {
		box = &mailbox{name: name, ch: make(chan delivery, eb.mailbox)}
		eb.mailboxes[name] = box
		eb.wg.Add(1)
		go eb.run(box)
	}
	box.refs++
	eb.handlers[eventType] = append(eb.handlers[eventType], &binding{box: box, handler: handler})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Unsubscribe removes a named handler from a specific event type. Events
// already in its mailbox are still delivered.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs, exists := eb.handlers[eventType]
	if !exists {
		return
	}

	filtered := make([]*binding, 0, len(subs))
	for _, b := range subs {
		if b.box.name == name {
			b.box.refs--
			if b.box.refs == 0 {
				close(b.box.ch)
				delete(eb.mailboxes, name)
			}
			continue
		}
		filtered = append(filtered, b)
	}
	eb.handlers[eventType] = filtered

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed from event")
}

func (eb *EventBus) run(box *mailbox) {
	defer eb.wg.Done()
	for d := range box.ch {
		eb.call(box.name, d.handler, d.ctx, d.event)
	}
}

func (eb *EventBus) call(name string, handler HandlerFunc, ctx context.Context, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", name).
			Msg("handler returned error")
	}
	return err
}

// Emit publishes an event to all subscribed handlers asynchronously.
// A full mailbox drops the event for that subscriber only.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	subs := eb.handlers[event.Type]
	if len(subs) == 0 {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(subs)).
		Msg("emitting event")

	for _, b := range subs {
		select {
		case b.box.ch <- delivery{ctx: ctx, event: event, handler: b.handler}:
		default:
			eb.dropped.Add(1)
			log.Warn().
				Str("event", string(event.Type)).
				Str("handler", b.box.name).
				Msg("subscriber mailbox full, dropping event")
		}
	}
}

// EmitSync publishes an event and waits for all handlers to complete,
// bypassing the mailboxes. Returns the first error encountered, if any.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}

	// Copy handlers to release lock before executing
	subs := make([]*binding, len(eb.handlers[event.Type]))
	copy(subs, eb.handlers[event.Type])
	eb.mu.RUnlock()

	var firstErr error
	for _, b := range subs {
		if err := eb.call(b.box.name, b.handler, ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stop stops accepting new events, delivers what is already queued and
// waits for every subscriber goroutine to finish.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	for _, box := range eb.mailboxes {
		close(box.ch)
	}
	eb.handlers = make(map[EventType][]*binding)
	eb.mailboxes = make(map[string]*mailbox)
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}

// Dropped returns the number of deliveries lost to full mailboxes.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}
