package synq

import (
	"context"
	"time"
)

// Mutex is a non-reentrant exclusive lock built on [Synchronizer], with
// support for condition queues and cancellable or timed lock attempts.
//
// State word: 0 = unlocked, 1 = locked. Waiters queue FIFO once the fast
// path fails; an unlock hands the lock to the longest-waiting goroutine
// unless a newcomer snatches it first.
//
// Unlocking a Mutex that is not locked panics with
// [ErrIllegalMonitorState].
type Mutex struct {
	_ noCopy
	s *Synchronizer
}

type mutexOps struct{ BaseOps }

func (mutexOps) TryAcquire(s *Synchronizer, arg int32) bool {
	return s.CompareAndSetState(0, 1)
}

func (mutexOps) TryRelease(s *Synchronizer, arg int32) bool {
	if s.State() == 0 {
		panic(ErrIllegalMonitorState)
	}
	s.SetState(0)
	return true
}

func (mutexOps) IsHeldExclusively(s *Synchronizer) bool {
	return s.State() == 1
}

// NewMutex creates an unlocked Mutex.
func NewMutex() *Mutex {
	return &Mutex{s: New(mutexOps{})}
}

// Lock acquires the mutex, blocking until it is available.
func (m *Mutex) Lock() {
	m.s.Acquire(1)
}

// LockContext acquires the mutex, giving up with ctx.Err() if ctx is done
// first.
func (m *Mutex) LockContext(ctx context.Context) error {
	return m.s.AcquireContext(ctx, 1)
}

// TryLock acquires the mutex without blocking. Returns true on success.
func (m *Mutex) TryLock() bool {
	return m.s.CompareAndSetState(0, 1)
}

// TryLockTimeout attempts to acquire the mutex for at most d.
func (m *Mutex) TryLockTimeout(ctx context.Context, d time.Duration) (bool, error) {
	return m.s.AcquireTimeout(ctx, 1, d)
}

// Unlock releases the mutex.
func (m *Mutex) Unlock() {
	m.s.Release(1)
}

// IsLocked reports whether the mutex is currently held.
func (m *Mutex) IsLocked() bool {
	return m.s.State() == 1
}

// NewCondition returns a condition queue bound to this mutex.
func (m *Mutex) NewCondition() *Condition {
	return m.s.NewCondition()
}

// Sync exposes the underlying synchronizer for inspection.
func (m *Mutex) Sync() *Synchronizer {
	return m.s
}
