package repo

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Lock is the single writer lock for the repository working tree and its
// branches. Acquisition honors ctx so a panic can unblock waiters.
type Lock struct {
	sem *semaphore.Weighted
}

// NewLock creates an unlocked Lock.
func NewLock() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// Lock blocks until the lock is held or ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// TryLock acquires the lock without blocking.
func (l *Lock) TryLock() bool {
	return l.sem.TryAcquire(1)
}

// Unlock releases the lock.
func (l *Lock) Unlock() {
	l.sem.Release(1)
}
