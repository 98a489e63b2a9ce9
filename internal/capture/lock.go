package capture

import (
	"context"
	"sync/atomic"
)

// PerceptionLock serializes whole-screen perception work: the periodic
// capture tick and multi-region scans. The capture loop only ever tries the
// lock and skips its tick on contention, so a long scan never stalls it.
type PerceptionLock struct {
	sem       chan struct{}
	contended atomic.Uint64
}

// NewPerceptionLock returns an unheld lock.
func NewPerceptionLock() *PerceptionLock {
	return &PerceptionLock{sem: make(chan struct{}, 1)}
}

// TryAcquire takes the lock if it is free and reports whether it did.
func (l *PerceptionLock) TryAcquire() bool {
	select {
	case l.sem <- struct{}{}:
		return true
	default:
		l.contended.Add(1)
		return false
	}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *PerceptionLock) Acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the lock. Releasing an unheld lock is a no-op.
func (l *PerceptionLock) Release() {
	select {
	case <-l.sem:
	default:
	}
}

// Contended returns how many TryAcquire calls found the lock held.
func (l *PerceptionLock) Contended() uint64 {
	return l.contended.Load()
}
