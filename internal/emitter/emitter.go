// Package emitter implements the typed, synchronous event bus each connector owns.
package emitter

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Event names a connector lifecycle event.
type Event string

// Connector events re-emitted after payload normalisation.
const (
	EventConnect    Event = "connect"
	EventChange     Event = "change"
	EventDisconnect Event = "disconnect"
	EventMessage    Event = "message"
)

// Message is an opaque provider notification.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Payload carries the normalised event data. For change events a nil Accounts
// slice or a zero ChainID means that part did not change.
type Payload struct {
	Accounts []common.Address
	ChainID  int64
	Message  *Message
}

// Handler receives emitted payloads.
type Handler func(Payload)

type listener struct {
	id      uint64
	handler Handler
	removed bool
}

// Emitter dispatches events synchronously, in registration order, on the
// emitting goroutine.
type Emitter struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[Event][]*listener
}

// New creates an empty emitter.
func New() *Emitter {
	return &Emitter{listeners: make(map[Event][]*listener)}
}

// Subscription is the token returned by On.
type Subscription struct {
	emitter *Emitter
	event   Event
	id      uint64
	once    sync.Once
}

// Unsubscribe removes the handler. Safe to call more than once and from
// inside a handler; the handler is not invoked again after it returns.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.emitter.remove(s.event, s.id) })
}

// On registers h for ev.
func (e *Emitter) On(ev Event, h Handler) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.listeners[ev] = append(e.listeners[ev], &listener{id: e.nextID, handler: h})
	return &Subscription{emitter: e, event: ev, id: e.nextID}
}

func (e *Emitter) remove(ev Event, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, l := range e.listeners[ev] {
		if l.id == id {
			l.removed = true
		}
	}
	e.dropLocked(ev, id)
}

// Emit invokes every live handler for ev with p and reports whether any ran.
func (e *Emitter) Emit(ev Event, p Payload) bool {
	e.mu.Lock()
	snapshot := make([]*listener, len(e.listeners[ev]))
	copy(snapshot, e.listeners[ev])
	e.mu.Unlock()

	fired := false
	for _, l := range snapshot {
		e.mu.Lock()
		removed := l.removed
		e.mu.Unlock()
		if removed {
			continue
		}

		l.handler(p)
		fired = true
	}
	return fired
}

func (e *Emitter) dropLocked(ev Event, id uint64) {
	ls := e.listeners[ev]
	for i, l := range ls {
		if l.id == id {
			e.listeners[ev] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(e.listeners[ev]) == 0 {
		delete(e.listeners, ev)
	}
}

// ListenerCount returns the number of live handlers for ev.
func (e *Emitter) ListenerCount(ev Event) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[ev])
}

// RemoveAll drops every handler for every event.
func (e *Emitter) RemoveAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ls := range e.listeners {
		for _, l := range ls {
			l.removed = true
		}
	}
	e.listeners = make(map[Event][]*listener)
}
