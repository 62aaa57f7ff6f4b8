package synq

import (
	"context"
	"time"
)

// Semaphore is a counting semaphore built on [Synchronizer]'s shared
// mode. It allows a fixed number of concurrent holders; Acquire blocks
// while no permits remain.
//
// State word: the number of available permits. The fast path may barge
// ahead of queued waiters (like sync.Mutex's newcomer preference); once a
// goroutine queues, it is served FIFO.
type Semaphore struct {
	_ noCopy
	s *Synchronizer
}

type semaphoreOps struct{ BaseOps }

func (semaphoreOps) TryAcquireShared(s *Synchronizer, arg int32) int32 {
	for {
		avail := s.State()
		remaining := avail - arg
		if remaining < 0 || s.CompareAndSetState(avail, remaining) {
			return remaining
		}
	}
}

func (semaphoreOps) TryReleaseShared(s *Synchronizer, arg int32) bool {
	for {
		cur := s.State()
		if s.CompareAndSetState(cur, cur+arg) {
			return true
		}
	}
}

// NewSemaphore creates a Semaphore with the given number of initial
// permits.
func NewSemaphore(permits int32) *Semaphore {
	sem := &Semaphore{s: New(semaphoreOps{})}
	sem.s.SetState(permits)
	return sem
}

// Acquire acquires n permits, blocking until they are available.
func (sem *Semaphore) Acquire(n int32) {
	if n <= 0 {
		return
	}
	sem.s.AcquireShared(n)
}

// AcquireContext acquires n permits, giving up with ctx.Err() if ctx is
// done first.
func (sem *Semaphore) AcquireContext(ctx context.Context, n int32) error {
	if n <= 0 {
		return ctx.Err()
	}
	return sem.s.AcquireSharedContext(ctx, n)
}

// TryAcquire acquires n permits without blocking. Returns true on
// success.
func (sem *Semaphore) TryAcquire(n int32) bool {
	if n <= 0 {
		return true
	}
	return semaphoreOps{}.TryAcquireShared(sem.s, n) >= 0
}

// TryAcquireTimeout attempts to acquire n permits for at most d.
func (sem *Semaphore) TryAcquireTimeout(ctx context.Context, n int32, d time.Duration) (bool, error) {
	if n <= 0 {
		return true, ctx.Err()
	}
	return sem.s.AcquireSharedTimeout(ctx, n, d)
}

// Release returns n permits, waking waiters that can now be satisfied.
func (sem *Semaphore) Release(n int32) {
	if n <= 0 {
		return
	}
	sem.s.ReleaseShared(n)
}

// Available returns the number of permits currently available.
func (sem *Semaphore) Available() int32 {
	return sem.s.State()
}

// QueueLength returns an estimate of the number of goroutines waiting for
// permits.
func (sem *Semaphore) QueueLength() int {
	return sem.s.QueueLength()
}
