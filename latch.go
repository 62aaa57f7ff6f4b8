package synq

import (
	"context"
	"time"
)

// Latch is a one-shot countdown gate: waiters block until the count
// reaches zero, after which all current and future waits return
// immediately. The count cannot be reset.
//
// State word: the remaining count. Waiting is a shared acquire that
// succeeds only at zero, so the final CountDown releases every waiter in
// one propagating wave.
type Latch struct {
	_ noCopy
	s *Synchronizer
}

type latchOps struct{ BaseOps }

func (latchOps) TryAcquireShared(s *Synchronizer, arg int32) int32 {
	if s.State() == 0 {
		return 1
	}
	return -1
}

func (latchOps) TryReleaseShared(s *Synchronizer, arg int32) bool {
	for {
		c := s.State()
		if c == 0 {
			return false
		}
		next := c - 1
		if s.CompareAndSetState(c, next) {
			return next == 0
		}
	}
}

// NewLatch creates a Latch that opens after count calls to CountDown.
func NewLatch(count int32) *Latch {
	if count < 0 {
		count = 0
	}
	l := &Latch{s: New(latchOps{})}
	l.s.SetState(count)
	return l
}

// Await blocks until the count reaches zero.
func (l *Latch) Await() {
	l.s.AcquireShared(1)
}

// AwaitContext blocks until the count reaches zero or ctx is done.
func (l *Latch) AwaitContext(ctx context.Context) error {
	return l.s.AcquireSharedContext(ctx, 1)
}

// AwaitTimeout blocks for at most d. Returns true if the latch opened.
func (l *Latch) AwaitTimeout(ctx context.Context, d time.Duration) (bool, error) {
	return l.s.AcquireSharedTimeout(ctx, 1, d)
}

// CountDown decrements the count, releasing all waiters when it reaches
// zero. Calls at zero are no-ops.
func (l *Latch) CountDown() {
	l.s.ReleaseShared(1)
}

// Count returns the current count.
func (l *Latch) Count() int32 {
	return l.s.State()
}
