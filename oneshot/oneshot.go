// Package oneshot provides a single-use asynchronous result: exactly one
// success or one terminal failure is ever delivered, no matter how many
// goroutines race to fulfill it.
package oneshot

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is reported by Get and Await when the result was cancelled
// before completion.
var ErrCancelled = errors.New("oneshot: cancelled")

const (
	statePending = iota
	stateSuccess
	stateFailure
	stateCancelled
)

// Result delivers exactly one value or one error. The zero value is not
// usable; create with New.
type Result[T any] struct {
	mu       sync.Mutex
	state    int
	value    T
	err      error
	onCancel []func()
	done     chan struct{}
}

// New returns a pending result.
func New[T any]() *Result[T] {
	return &Result[T]{done: make(chan struct{})}
}

// Complete fulfills the result with v. It reports whether this call won;
// losers have no effect and must release v themselves if it holds resources.
func (r *Result[T]) Complete(v T) bool {
	r.mu.Lock()
	if r.state != statePending {
		r.mu.Unlock()
		return false
	}
	r.state = stateSuccess
	r.value = v
	close(r.done)
	r.mu.Unlock()
	return true
}

// Fail fulfills the result with err. It reports whether this call won.
func (r *Result[T]) Fail(err error) bool {
	r.mu.Lock()
	if r.state != statePending {
		r.mu.Unlock()
		return false
	}
	r.state = stateFailure
	r.err = err
	close(r.done)
	r.mu.Unlock()
	return true
}

// Cancel terminates a pending result and runs every registered cancel hook.
// It reports whether this call performed the cancellation.
func (r *Result[T]) Cancel() bool {
	r.mu.Lock()
	if r.state != statePending {
		r.mu.Unlock()
		return false
	}
	r.state = stateCancelled
	r.err = ErrCancelled
	hooks := r.onCancel
	r.onCancel = nil
	close(r.done)
	r.mu.Unlock()
	for _, f := range hooks {
		f()
	}
	return true
}

// OnCancel registers f to run when the result is cancelled. If cancellation
// already happened, f runs immediately. This is how a resource delivered
// concurrently with cancellation gets released instead of leaked.
func (r *Result[T]) OnCancel(f func()) {
	r.mu.Lock()
	if r.state == stateCancelled {
		r.mu.Unlock()
		f()
		return
	}
	if r.state == statePending {
		r.onCancel = append(r.onCancel, f)
	}
	r.mu.Unlock()
}

// Done returns a channel closed once the result is terminal.
func (r *Result[T]) Done() <-chan struct{} { return r.done }

// Get returns the outcome. It must only be called after Done is closed.
func (r *Result[T]) Get() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, r.err
}

// Await blocks until the result is terminal or ctx is done. Context
// expiry cancels the result so that late fulfillment releases resources
// through the cancel hooks.
func (r *Result[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.Get()
	case <-ctx.Done():
		r.Cancel()
		var zero T
		return zero, ctx.Err()
	}
}
