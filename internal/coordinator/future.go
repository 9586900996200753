package coordinator

import (
	"context"
	"sync"
)

// Future is a single-resolution result. The first Resolve or Reject wins;
// later calls are no-ops.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// NewFuture creates a pending future
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that already holds value
func Resolved[T any](value T) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(value)
	return f
}

// Rejected returns a future that already holds err
func Rejected[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Reject(err)
	return f
}

// Resolve completes the future successfully. Returns false if it was already complete.
func (f *Future[T]) Resolve(value T) bool {
	won := false
	f.once.Do(func() {
		f.value = value
		close(f.done)
		won = true
	})
	return won
}

// Reject completes the future with err. Returns false if it was already complete.
func (f *Future[T]) Reject(err error) bool {
	won := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		won = true
	})
	return won
}

// Done is closed once the future completes
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Pending reports whether the future is still unresolved
func (f *Future[T]) Pending() bool {
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

// Failed reports whether the future completed with an error
func (f *Future[T]) Failed() bool {
	select {
	case <-f.done:
		return f.err != nil
	default:
		return false
	}
}

// Wait blocks until the future completes or ctx is done
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
