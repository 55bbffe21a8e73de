package server

import "context"

// AsyncResult is the single future/promise primitive every manager
// operation returns (spec.md §9 "Async result type"). It wraps a
// buffered channel so a completed value can always be delivered even
// if nobody is waiting yet, and carries the caller's context so
// cancellation is cooperative: dropping ctx does not stop whatever
// replication is already in flight (spec.md §5).
type AsyncResult[T any] struct {
	ctx context.Context
	ch  chan asyncOutcome[T]
}

type asyncOutcome[T any] struct {
	val T
	err error
}

// NewAsyncResult creates a not-yet-resolved AsyncResult bound to ctx.
func NewAsyncResult[T any](ctx context.Context) *AsyncResult[T] {
	return &AsyncResult[T]{ctx: ctx, ch: make(chan asyncOutcome[T], 1)}
}

// Resolve completes the result exactly once. Later calls are no-ops;
// the replication commit stream is the sole writer per proposal.
func (a *AsyncResult[T]) Resolve(val T, err error) {
	select {
	case a.ch <- asyncOutcome[T]{val: val, err: err}:
	default:
	}
}

// Wait blocks until the result resolves or ctx is cancelled. A
// cancelled wait does not cancel the underlying operation — the
// executor keeps running it to completion (spec.md §5).
func (a *AsyncResult[T]) Wait() (T, error) {
	select {
	case out := <-a.ch:
		return out.val, out.err
	case <-a.ctx.Done():
		var zero T
		return zero, a.ctx.Err()
	}
}

// Immediate returns an already-resolved AsyncResult, used by
// synchronous local-validation-failure paths (spec.md §7
// "local validation failures ... return immediately without
// proposing").
func Immediate[T any](ctx context.Context, val T, err error) *AsyncResult[T] {
	r := NewAsyncResult[T](ctx)
	r.Resolve(val, err)
	return r
}
