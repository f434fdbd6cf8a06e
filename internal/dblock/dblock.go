// ABOUTME: Reader/writer lock registry keyed by absolute database file path
// ABOUTME: Writes and long operations hold the exclusive side; reads share

package dblock

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
)

// capacity is the number of concurrent shared holders a lock admits.
// An exclusive acquire takes all of it.
const capacity = 1 << 20

// Lock guards one database file. Acquisition is FIFO, so a waiting
// exclusive holder is not starved by a stream of readers.
type Lock struct {
	path string
	sem  *semaphore.Weighted
}

// Path returns the absolute file path this lock guards.
func (l *Lock) Path() string { return l.path }

// Exclusive blocks until no other holder remains, or ctx is done.
// The returned func releases the lock and is safe to call once.
func (l *Lock) Exclusive(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, capacity); err != nil {
		return nil, fmt.Errorf("acquiring exclusive lock on %s: %w", l.path, err)
	}
	return releaser(l.sem, capacity), nil
}

// Shared blocks until no exclusive holder remains, or ctx is done.
func (l *Lock) Shared(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring shared lock on %s: %w", l.path, err)
	}
	return releaser(l.sem, 1), nil
}

// TryExclusive takes the exclusive side only if it is free right now.
func (l *Lock) TryExclusive() (func(), bool) {
	if !l.sem.TryAcquire(capacity) {
		return nil, false
	}
	return releaser(l.sem, capacity), true
}

func releaser(sem *semaphore.Weighted, n int64) func() {
	var once sync.Once
	return func() { once.Do(func() { sem.Release(n) }) }
}

// Registry hands out one Lock per database file.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*Lock
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*Lock)}
}

// For returns the lock for path. Relative and absolute spellings of the
// same file share one lock.
func (r *Registry) For(path string) (*Lock, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	abs = filepath.Clean(abs)

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[abs]
	if !ok {
		l = &Lock{path: abs, sem: semaphore.NewWeighted(capacity)}
		r.locks[abs] = l
	}
	return l, nil
}

var defaultRegistry = NewRegistry()

// For returns the process-wide lock for path.
func For(path string) (*Lock, error) {
	return defaultRegistry.For(path)
}
