// Package flow runs operations that emit zero or more intermediate
// updates before producing a final value. Hooks and tools share this one
// calling convention: a plain computation is a Run that never emits, a
// progress-reporting one emits through the Emitter it is handed.
package flow

import (
	"context"
	"sync/atomic"
)

// Emitter delivers intermediate updates from a running operation to its
// consumer. Emit blocks until the consumer takes the update or ctx ends.
type Emitter interface {
	Emit(ctx context.Context, update any) error
}

// Func is the shape of a wrapped operation.
type Func[T any] func(ctx context.Context, em Emitter) (T, error)

// Run is a single-shot handle on an in-flight operation. Consume updates
// with Updates, then collect the final value with Wait; or call Wait
// directly to discard updates.
type Run[T any] struct {
	updates chan any
	done    chan struct{}
	final   T
	err     error
	claimed atomic.Bool
}

type chanEmitter struct {
	ch chan<- any
}

func (e *chanEmitter) Emit(ctx context.Context, update any) error {
	select {
	case e.ch <- update:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches fn and returns its Run.
func Start[T any](ctx context.Context, fn Func[T]) *Run[T] {
	r := &Run[T]{
		updates: make(chan any),
		done:    make(chan struct{}),
	}
	go func() {
		v, err := fn(ctx, &chanEmitter{ch: r.updates})
		r.final, r.err = v, err
		close(r.updates)
		close(r.done)
	}()
	return r
}

// Updates returns the stream of intermediate updates. The channel closes
// when the operation finishes; after that Wait returns immediately. A Run
// may be claimed once: calling Updates after Updates or Wait panics.
func (r *Run[T]) Updates() <-chan any {
	if !r.claimed.CompareAndSwap(false, true) {
		panic("flow: run already claimed")
	}
	return r.updates
}

// Wait blocks until the operation completes and returns its final value.
// If Updates was never claimed, pending updates are drained and dropped.
func (r *Run[T]) Wait(ctx context.Context) (T, error) {
	if r.claimed.CompareAndSwap(false, true) {
		go func() {
			for range r.updates {
			}
		}()
	}
	select {
	case <-r.done:
		return r.final, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
