// Package future provides a single-assignment result that many goroutines can
// wait on. It is the building block for "register before await": a caller
// installs the Future in a shared map first, then starts the work, so a second
// caller finds the in-flight Future instead of issuing a duplicate request.
package future

import (
	"context"
	"sync"
)

// Future holds a value or an error that is set exactly once.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// New returns an unresolved Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a Future that already holds v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v)
	return f
}

// Resolve sets the value. Later calls to Resolve or Reject are ignored.
func (f *Future[T]) Resolve(v T) {
	f.once.Do(func() {
		f.val = v
		close(f.done)
	})
}

// Reject sets the error. Later calls to Resolve or Reject are ignored.
func (f *Future[T]) Reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Settle resolves or rejects depending on err.
func (f *Future[T]) Settle(v T, err error) {
	if err != nil {
		f.Reject(err)
		return
	}
	f.Resolve(v)
}

// Done is closed once the Future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether a value or error has been set.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the Future settles or ctx ends. A cancelled wait does not
// affect other waiters.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
