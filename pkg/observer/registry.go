// Package observer holds callback registrations that hand back a disposer.
package observer

import (
	"sync"

	"moff.io/vault-wallet/pkg/errors"
	"moff.io/vault-wallet/pkg/log"
)

// Registry fans a value out to every registered callback.
type Registry[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(T)
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{subs: make(map[uint64]func(T))}
}

// Register adds fn and returns a func that removes it. The disposer is idempotent.
func (r *Registry[T]) Register(fn func(T)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// Notify calls every callback with v. Call order is unspecified.
// A panicking callback is logged and does not stop the others.
func (r *Registry[T]) Notify(v T) {
	r.mu.RLock()
	fns := make([]func(T), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		call(fn, v)
	}
}

// Len is the number of live registrations.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func call[T any](fn func(T), v T) {
	defer func() {
		if i := recover(); i != nil {
			log.Error(errors.ErrorfAndReport("observer callback panic: %v", i))
		}
	}()
	fn(v)
}
