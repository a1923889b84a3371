// Package events implements an observer-style event-hook broadcast:
// session-started, message-received, auth-*, and error-occurred events
// are published onto a buffered channel and fanned
// out to registered listeners from a single dispatch goroutine, so a
// slow listener never stalls the session that produced the event. The
// channel/goroutine shape is new (chasquid is request/response, not
// observer/broadcast), but Printf-style formatting and the underlying
// sink reuse chasquid's internal/trace.EventLog (trace.NewEventLog),
// which already serves as chasquid's equivalent of a long-lived activity
// log.
package events

import (
	"sync"

	"blitiri.com.ar/go/zetian/internal/trace"
)

// Kind tags the category of an Event.
type Kind string

const (
	SessionStarted  Kind = "session-started"
	SessionEnded    Kind = "session-ended"
	MessageReceived Kind = "message-received"
	AuthSucceeded   Kind = "auth-succeeded"
	AuthFailed      Kind = "auth-failed"
	ErrorOccurred   Kind = "error-occurred"
)

// Event is one published occurrence. Fields beyond Kind are
// best-effort and may be empty depending on the source.
type Event struct {
	Kind      Kind
	RemoteIP  string
	Domain    string
	MessageID string
	Err       error
}

// Listener receives every published Event.
type Listener func(Event)

// Bus fans out published events to registered listeners via a single
// dispatch goroutine reading a buffered channel, so a blocked listener
// only ever delays other listeners, never the publisher.
type Bus struct {
	log *trace.EventLog

	ch     chan Event
	done   chan struct{}
	closed chan struct{}

	mu        sync.RWMutex
	listeners []Listener
}

// New creates a Bus with the given channel buffer size (0 ⇒ a sane
// default) and starts its dispatch goroutine. Call Close to stop it.
func New(family, title string, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	b := &Bus{
		log:    trace.NewEventLog(family, title),
		ch:     make(chan Event, bufferSize),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers l to receive every future published event.
func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Publish enqueues ev for dispatch. It never blocks the caller for long:
// if the channel is full, the event is dropped and logged, matching the
// "slow listener can't stall a session" requirement.
func (b *Bus) Publish(ev Event) {
	select {
	case b.ch <- ev:
	default:
		b.log.Errorf("event channel full, dropping %s event", ev.Kind)
	}
}

func (b *Bus) dispatch() {
	defer close(b.closed)
	stopping := false
	for {
		var ev Event
		if stopping {
			// Closing: deliver what is still queued, then stop.
			select {
			case ev = <-b.ch:
			default:
				return
			}
		} else {
			select {
			case ev = <-b.ch:
			case <-b.done:
				stopping = true
				continue
			}
		}
		b.log.Printf("%s remote=%s domain=%s msg=%s", ev.Kind, ev.RemoteIP, ev.Domain, ev.MessageID)
		b.mu.RLock()
		listeners := append([]Listener(nil), b.listeners...)
		b.mu.RUnlock()
		for _, l := range listeners {
			l(ev)
		}
	}
}

// Close stops the dispatch goroutine and releases the underlying event
// log, draining any events already queued before returning.
func (b *Bus) Close() {
	close(b.done)
	<-b.closed
	b.log.Finish()
}
