// Package dispatch fans values out to registered listeners.
//
// Delivery is synchronous and in registration order. A listener that
// panics is logged and skipped; the remaining listeners still receive
// the value. There is no buffering: a slow listener delays the ones
// registered after it within the same Publish call.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync"
)

type subscription[T any] struct {
	id uint64
	fn func(T)
}

// Dispatcher is an observer registry for values of type T.
type Dispatcher[T any] struct {
	name   string
	logger *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   []subscription[T]
}

// New creates a dispatcher. The name is attached to failure logs.
func New[T any](name string, logger *slog.Logger) *Dispatcher[T] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher[T]{name: name, logger: logger}
}

// Subscribe registers fn and returns a function that unregisters it.
// Calling the returned function more than once is harmless.
func (d *Dispatcher[T]) Subscribe(fn func(T)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscription[T]{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.unsubscribe(id) })
	}
}

func (d *Dispatcher[T]) unsubscribe(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, sub := range d.subs {
		if sub.id == id {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers v to every listener registered at the time of the
// call and returns the number of listeners that panicked.
func (d *Dispatcher[T]) Publish(v T) int {
	d.mu.RLock()
	subs := make([]subscription[T], len(d.subs))
	copy(subs, d.subs)
	d.mu.RUnlock()

	failures := 0
	for _, sub := range subs {
		if err := d.deliver(sub, v); err != nil {
			failures++
			d.logger.Warn("listener failed", "dispatcher", d.name, "listener", sub.id, "error", err)
		}
	}
	return failures
}

func (d *Dispatcher[T]) deliver(sub subscription[T], v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	sub.fn(v)
	return nil
}

// Len returns the number of registered listeners.
func (d *Dispatcher[T]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}
