// Package emitter implements the named-event signaling primitive used by
// every transport for internal notifications (eventProcessed, error, ...).
// It is synchronous and local only: Emit invokes listeners inline, in
// registration order, and makes no delivery guarantees beyond that.
package emitter

import (
	"reflect"
	"sync"

	"go.uber.org/zap"
)

// Listener receives the arguments passed to Emit.
type Listener func(args ...interface{})

// entry wraps a registered listener. once entries are removed before their
// listener runs so a re-entrant Emit cannot fire them twice.
type entry struct {
	fn   Listener
	ptr  uintptr
	once bool
}

// Emitter is a minimal named-event dispatcher. The zero value is not usable;
// construct with New.
type Emitter struct {
	mu        sync.Mutex
	listeners map[string][]*entry
	logger    *zap.Logger
}

// New creates an Emitter. logger may be nil, in which case listener panics
// are swallowed silently.
func New(logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		listeners: make(map[string][]*entry),
		logger:    logger,
	}
}

// On registers fn for event. The same function may be registered multiple
// times and will be invoked once per registration.
func (e *Emitter) On(event string, fn Listener) {
	e.add(event, fn, false, false)
}

// Once registers fn to run on the next emit of event only.
func (e *Emitter) Once(event string, fn Listener) {
	e.add(event, fn, true, false)
}

// PrependListener registers fn ahead of all existing listeners for event.
func (e *Emitter) PrependListener(event string, fn Listener) {
	e.add(event, fn, false, true)
}

// PrependOnceListener registers a one-shot fn ahead of existing listeners.
func (e *Emitter) PrependOnceListener(event string, fn Listener) {
	e.add(event, fn, true, true)
}

func (e *Emitter) add(event string, fn Listener, once, prepend bool) {
	if fn == nil {
		return
	}
	ent := &entry{fn: fn, ptr: reflect.ValueOf(fn).Pointer(), once: once}
	e.mu.Lock()
	defer e.mu.Unlock()
	if prepend {
		e.listeners[event] = append([]*entry{ent}, e.listeners[event]...)
	} else {
		e.listeners[event] = append(e.listeners[event], ent)
	}
}

// Off removes the first registration of fn for event, matched by function
// identity. Removing an unregistered listener is a no-op.
func (e *Emitter) Off(event string, fn Listener) {
	if fn == nil {
		return
	}
	target := reflect.ValueOf(fn).Pointer()
	e.mu.Lock()
	defer e.mu.Unlock()
	ents := e.listeners[event]
	for i, ent := range ents {
		if ent.ptr == target {
			e.listeners[event] = append(ents[:i:i], ents[i+1:]...)
			break
		}
	}
	if len(e.listeners[event]) == 0 {
		delete(e.listeners, event)
	}
}

// RemoveAllListeners drops every listener for the named events, or for all
// events when called with no arguments.
func (e *Emitter) RemoveAllListeners(events ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(events) == 0 {
		e.listeners = make(map[string][]*entry)
		return
	}
	for _, ev := range events {
		delete(e.listeners, ev)
	}
}

// Emit invokes all listeners currently registered for event, in registration
// order (prepended listeners first). A panicking listener is recovered and
// logged so it cannot block the remaining listeners. Returns true if at
// least one listener was invoked.
func (e *Emitter) Emit(event string, args ...interface{}) bool {
	e.mu.Lock()
	ents := e.listeners[event]
	if len(ents) == 0 {
		e.mu.Unlock()
		return false
	}
	// Snapshot the list and strip once entries before invoking anything,
	// so re-entrant emits never see a stale once listener.
	snapshot := make([]*entry, len(ents))
	copy(snapshot, ents)
	kept := ents[:0]
	for _, ent := range ents {
		if !ent.once {
			kept = append(kept, ent)
		}
	}
	if len(kept) == 0 {
		delete(e.listeners, event)
	} else {
		e.listeners[event] = kept
	}
	e.mu.Unlock()

	for _, ent := range snapshot {
		e.safeInvoke(event, ent.fn, args)
	}
	return true
}

func (e *Emitter) safeInvoke(event string, fn Listener, args []interface{}) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("listener panicked",
				zap.String("event", event),
				zap.Any("panic", r))
		}
	}()
	fn(args...)
}

// ListenerCount returns the number of listeners registered for event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[event])
}

// EventNames returns the events that currently have at least one listener.
func (e *Emitter) EventNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.listeners))
	for ev := range e.listeners {
		names = append(names, ev)
	}
	return names
}
