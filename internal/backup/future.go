// ABOUTME: Future handles for long-running backup operations
// ABOUTME: The operation runs in its own goroutine; callers wait or poll for the result

package backup

import "context"

// Future is the pending result of an asynchronous operation.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Go runs fn in a new goroutine and returns its future. fn receives ctx, so
// cancelling ctx reaches the operation and not just the waiter.
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = fn(ctx)
	}()
	return f
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the operation finishes or ctx is done. Giving up on the
// wait does not cancel the operation.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// CreateAsync is Create returning a future.
func (m *Manager) CreateAsync(ctx context.Context, typ Type) *Future[*Record] {
	return Go(ctx, func(ctx context.Context) (*Record, error) {
		return m.Create(ctx, typ)
	})
}

// RestoreAsync is Restore returning a future.
func (m *Manager) RestoreAsync(ctx context.Context, name string) *Future[*RestoreResult] {
	return Go(ctx, func(ctx context.Context) (*RestoreResult, error) {
		return m.Restore(ctx, name)
	})
}
