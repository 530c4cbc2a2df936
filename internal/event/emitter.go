// Package event provides the publish/subscribe primitive shared by the
// session objects. Emitters are composed as fields rather than mixed into the
// types that publish through them.
package event

import (
	"sort"
	"sync"
)

// Emitter delivers values of type T to subscribers in subscription order.
// Emit runs handlers synchronously on the caller's goroutine.
type Emitter[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(T)
}

// On registers fn and returns a function that removes it.
func (e *Emitter[T]) On(fn func(T)) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.subs == nil {
		e.subs = make(map[int]func(T))
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = fn

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// Once registers fn for the next emitted value only.
func (e *Emitter[T]) Once(fn func(T)) (off func()) {
	var (
		mu     sync.Mutex
		once   sync.Once
		remove func()
	)
	mu.Lock()
	defer mu.Unlock()

	remove = e.On(func(v T) {
		once.Do(func() {
			mu.Lock()
			r := remove
			mu.Unlock()
			r()
			fn(v)
		})
	})
	return remove
}

// Emit calls every current subscriber with v. Subscribers added or removed by a
// handler take effect on the next Emit.
func (e *Emitter[T]) Emit(v T) {
	for _, fn := range e.snapshot() {
		fn(v)
	}
}

// Len returns the number of subscribers.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

func (e *Emitter[T]) snapshot() []func(T) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]int, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	fns := make([]func(T), len(ids))
	for i, id := range ids {
		fns[i] = e.subs[id]
	}
	return fns
}
