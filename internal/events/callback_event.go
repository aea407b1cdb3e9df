package events

import (
	"sync"
)

// CallbackEvent fans a value out to registered callback functions.
// Callbacks run synchronously on the notifying goroutine, so they must not
// block and must not call back into the event while handling a value.
type CallbackEvent[T any] struct {
	mu         sync.RWMutex
	listeners  map[uint64]func(T)
	nextID     uint64
	replayLast bool
	last       *T
}

// NewCallbackEvent creates a CallbackEvent. When replayLast is set, a listener
// registered after the first Notify is immediately invoked with the most
// recent value, so late subscribers start from current state.
func NewCallbackEvent[T any](replayLast bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{
		listeners:  make(map[uint64]func(T)),
		replayLast: replayLast,
	}
}

// Listen registers a callback and returns its deregistration function.
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = callback
	var replay *T
	if e.replayLast && e.last != nil {
		v := *e.last
		replay = &v
	}
	e.mu.Unlock()

	// Replay outside the lock so the callback can safely Notify.
	if replay != nil {
		callback(*replay)
	}

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Notify invokes every registered callback with value.
func (e *CallbackEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.replayLast {
		v := value
		e.last = &v
	}
	snapshot := make([]func(T), 0, len(e.listeners))
	for _, callback := range e.listeners {
		snapshot = append(snapshot, callback)
	}
	e.mu.Unlock()

	for _, callback := range snapshot {
		callback(value)
	}
}

// ListenerCount returns the number of registered listeners.
func (e *CallbackEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}
