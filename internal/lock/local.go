// Package lock serialises polling cycles per model, in-process and across processes.
package lock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Local is an in-process mutual exclusion keyed by model identity.
type Local struct {
	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

// NewLocal returns an empty Local.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*semaphore.Weighted)}
}

func (l *Local) slot(key string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.slots[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.slots[key] = sem
	}
	return sem
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	sem := l.slot(key)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return releaser(sem), nil
}

// TryLock acquires key only if nobody holds it.
func (l *Local) TryLock(key string) (func(), bool) {
	sem := l.slot(key)
	if !sem.TryAcquire(1) {
		return nil, false
	}
	return releaser(sem), true
}

// releaser frees sem once; later calls are no-ops.
func releaser(sem *semaphore.Weighted) func() {
	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}
}
