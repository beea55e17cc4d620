// Package events implements the small synchronous event emitter the
// server and client layers are built on.
package events

import (
	"reflect"
	"sync"
)

// Listener is an event callback. Arguments depend on the event.
type Listener func(...any)

type entry struct {
	fn   Listener
	once bool
}

// EventEmitter dispatches named events to registered listeners.
// Listeners for one event run in registration order; Emit is safe for
// concurrent use with On/Off.
type EventEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]*entry
}

func New() *EventEmitter {
	return &EventEmitter{listeners: map[string][]*entry{}}
}

// On registers a listener for the given event.
func (e *EventEmitter) On(event string, fn Listener) {
	e.add(event, fn, false)
}

// Once registers a listener that is removed after its first invocation.
func (e *EventEmitter) Once(event string, fn Listener) {
	e.add(event, fn, true)
}

func (e *EventEmitter) add(event string, fn Listener, once bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], &entry{fn: fn, once: once})
}

// RemoveListener removes a previously registered listener. Listeners are
// compared by function identity.
func (e *EventEmitter) RemoveListener(event string, fn Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	target := reflect.ValueOf(fn).Pointer()
	kept := e.listeners[event][:0]
	for _, en := range e.listeners[event] {
		if reflect.ValueOf(en.fn).Pointer() != target {
			kept = append(kept, en)
		}
	}
	if len(kept) == 0 {
		delete(e.listeners, event)
	} else {
		e.listeners[event] = kept
	}
}

// RemoveAllListeners removes every listener, or the listeners of a single
// event when one is named.
func (e *EventEmitter) RemoveAllListeners(event ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(event) == 0 {
		e.listeners = map[string][]*entry{}
		return
	}
	for _, ev := range event {
		delete(e.listeners, ev)
	}
}

// Emit invokes the listeners of the event with the given arguments and
// reports whether at least one listener ran.
func (e *EventEmitter) Emit(event string, args ...any) bool {
	e.mu.Lock()
	entries := e.listeners[event]
	fns := make([]Listener, 0, len(entries))
	kept := entries[:0]
	for _, en := range entries {
		fns = append(fns, en.fn)
		if !en.once {
			kept = append(kept, en)
		}
	}
	if len(kept) == 0 {
		delete(e.listeners, event)
	} else {
		e.listeners[event] = kept
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(args...)
	}
	return len(fns) > 0
}

// Listeners returns the registered listeners for the event.
func (e *EventEmitter) Listeners(event string) []Listener {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Listener, 0, len(e.listeners[event]))
	for _, en := range e.listeners[event] {
		out = append(out, en.fn)
	}
	return out
}

// ListenerCount returns the number of listeners for the event.
func (e *EventEmitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[event])
}
