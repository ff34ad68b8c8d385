// Package events provides a typed listener set with per-listener fault isolation.
package events

import (
	"fmt"
	"sync"

	"github.com/perchdesk/perch/internal/logging"
	"github.com/pterm/pterm"
)

// Subscription removes the listener it was returned for. Calling it more than
// once is a no-op.
type Subscription func()

// Emitter delivers values of type T to registered listeners.
//
// Emit calls listeners synchronously, in registration order, outside the
// emitter's lock. A listener that panics is logged and does not prevent the
// remaining listeners from receiving the value.
type Emitter[T any] struct {
	name   string
	logger *pterm.Logger

	mu        sync.Mutex
	nextID    uint64
	listeners []listener[T]
	keyed     map[any]uint64
}

type listener[T any] struct {
	id  uint64
	key any
	fn  func(T)
}

// NewEmitter returns an emitter. name identifies the event in log output.
func NewEmitter[T any](name string, logger *pterm.Logger) *Emitter[T] {
	return &Emitter[T]{name: name, logger: logging.OrDiscard(logger)}
}

// Subscribe registers fn. A nil fn is ignored and yields a no-op Subscription.
func (e *Emitter[T]) Subscribe(fn func(T)) Subscription {
	if fn == nil {
		return func() {}
	}

	e.mu.Lock()
	id := e.add(nil, fn)
	e.mu.Unlock()
	return e.subscription(id)
}

// SubscribeKey registers fn under key, which must be comparable. While a
// listener is registered under key, later calls with the same key register
// nothing and return a Subscription for the existing listener.
func (e *Emitter[T]) SubscribeKey(key any, fn func(T)) Subscription {
	if key == nil {
		return e.Subscribe(fn)
	}
	if fn == nil {
		return func() {}
	}

	e.mu.Lock()
	id, ok := e.keyed[key]
	if !ok {
		id = e.add(key, fn)
		if e.keyed == nil {
			e.keyed = make(map[any]uint64)
		}
		e.keyed[key] = id
	}
	e.mu.Unlock()
	return e.subscription(id)
}

// add requires e.mu.
func (e *Emitter[T]) add(key any, fn func(T)) uint64 {
	e.nextID++
	e.listeners = append(e.listeners, listener[T]{id: e.nextID, key: key, fn: fn})
	return e.nextID
}

func (e *Emitter[T]) subscription(id uint64) Subscription {
	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			if l.key != nil {
				delete(e.keyed, l.key)
			}
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Emit delivers v to a snapshot of the current listeners.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := make([]listener[T], len(e.listeners))
	copy(snapshot, e.listeners)
	e.mu.Unlock()

	for _, l := range snapshot {
		e.call(l, v)
	}
}

func (e *Emitter[T]) call(l listener[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("listener panicked", e.logger.Args(
				"event", e.name,
				"listener", l.id,
				"panic", fmt.Sprint(r),
			))
		}
	}()
	l.fn(v)
}

// Len returns the number of registered listeners.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Clear removes every listener. Outstanding Subscriptions become no-ops.
func (e *Emitter[T]) Clear() {
	e.mu.Lock()
	e.listeners = nil
	e.keyed = nil
	e.mu.Unlock()
}
