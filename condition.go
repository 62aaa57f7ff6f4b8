package synq

import (
	"context"
	"runtime"
	"time"
)

// Condition is a wait queue bound to an exclusively-held Synchronizer,
// with the usual monitor semantics: Await atomically releases the
// synchronizer and parks, Signal moves the longest-waiting node over to
// the sync queue so it reacquires before returning.
//
// Every method must be called with the synchronizer held exclusively (as
// defined by its Ops.IsHeldExclusively); violations panic with
// [ErrIllegalMonitorState], like the misuse panics of the sync package.
type Condition struct {
	s           *Synchronizer
	firstWaiter *waitNode
	lastWaiter  *waitNode
}

// NewCondition returns a new condition queue for s. A synchronizer may
// have any number of conditions.
func (s *Synchronizer) NewCondition() *Condition {
	return &Condition{s: s}
}

// Owns reports whether c was created by this synchronizer.
func (s *Synchronizer) Owns(c *Condition) bool {
	return c != nil && c.s == s
}

func (c *Condition) checkOwner() {
	if !c.s.ops.IsHeldExclusively(c.s) {
		panic(ErrIllegalMonitorState)
	}
}

// addConditionWaiter appends a fresh CONDITION node, first purging every
// cancelled waiter from the queue if the last one has lapsed.
func (c *Condition) addConditionWaiter() *waitNode {
	if t := c.lastWaiter; t != nil && t.status.Load() != statusCondition {
		c.unlinkCancelledWaiters()
	}
	node := newWaitNode(nil)
	node.status.Store(statusCondition)
	if c.lastWaiter == nil {
		c.firstWaiter = node
	} else {
		c.lastWaiter.nextWaiter.Store(node)
	}
	c.lastWaiter = node
	return node
}

// fullyRelease releases the synchronizer down to state for reacquisition
// later, whatever recursion depth the current holder reached. A failed
// release marks the node cancelled and panics: the caller did not hold
// the synchronizer.
func (c *Condition) fullyRelease(node *waitNode) int32 {
	saved := c.s.State()
	if c.s.Release(saved) {
		return saved
	}
	node.status.Store(statusCancelled)
	panic(ErrIllegalMonitorState)
}

// transferForSignal moves node from this condition queue to the sync
// queue. False means the node already cancelled its wait and the caller
// should try the next one. If the new predecessor cannot take on the
// signalling duty (cancelled, or its status refuses the SIGNAL CAS), the
// node is unparked at once to resynchronize in its acquire loop.
func (c *Condition) transferForSignal(node *waitNode) bool {
	if !node.status.CompareAndSwap(statusCondition, 0) {
		return false
	}
	p := c.s.enq(node)
	ws := p.status.Load()
	if ws > 0 || !p.status.CompareAndSwap(ws, statusSignal) {
		node.unpark()
	}
	return true
}

// transferAfterCancelledWait puts node on the sync queue after a wait
// cancelled by ctx or a timeout. It returns true if this goroutine beat
// any signal to the transfer; otherwise it spins until the signalling
// goroutine finishes the enqueue.
func (c *Condition) transferAfterCancelledWait(node *waitNode) bool {
	if node.status.CompareAndSwap(statusCondition, 0) {
		c.s.enq(node)
		return true
	}
	for !c.s.isOnSyncQueue(node) {
		runtime.Gosched()
	}
	return false
}

// unlinkCancelledWaiters drops non-CONDITION nodes from the queue. Called
// only with the synchronizer held, when a wait lapses or a new waiter is
// added while the tail looks cancelled.
func (c *Condition) unlinkCancelledWaiters() {
	t := c.firstWaiter
	var trail *waitNode
	for t != nil {
		next := t.nextWaiter.Load()
		if t.status.Load() != statusCondition {
			t.nextWaiter.Store(nil)
			if trail == nil {
				c.firstWaiter = next
			} else {
				trail.nextWaiter.Store(next)
			}
			if next == nil {
				c.lastWaiter = trail
			}
		} else {
			trail = t
		}
		t = next
	}
}

// AwaitUninterruptibly blocks until signalled, then reacquires the
// synchronizer at the saved state before returning.
func (c *Condition) AwaitUninterruptibly() {
	c.checkOwner()
	node := c.addConditionWaiter()
	saved := c.fullyRelease(node)
	for !c.s.isOnSyncQueue(node) {
		node.parker.Load().park()
	}
	c.s.acquireQueued(node, saved)
	if node.nextWaiter.Load() != nil {
		c.unlinkCancelledWaiters()
	}
}

// Await blocks until signalled or ctx is done, reacquiring the
// synchronizer before returning either way. It returns ctx.Err() only
// when the cancellation itself ended the wait; if a signal won the race
// the wait completed normally and Await returns nil.
func (c *Condition) Await(ctx context.Context) error {
	c.checkOwner()
	if err := ctx.Err(); err != nil {
		return err
	}
	node := c.addConditionWaiter()
	saved := c.fullyRelease(node)
	cancelled := false
	for !c.s.isOnSyncQueue(node) {
		if err := node.parker.Load().parkCtx(ctx); err != nil {
			cancelled = c.transferAfterCancelledWait(node)
			break
		}
		if ctx.Err() != nil {
			cancelled = c.transferAfterCancelledWait(node)
			break
		}
	}
	c.s.acquireQueued(node, saved)
	if node.nextWaiter.Load() != nil {
		c.unlinkCancelledWaiters()
	}
	if cancelled {
		return ctx.Err()
	}
	return nil
}

// AwaitNanos blocks for at most d, or until signalled or ctx is done. It
// returns the remaining budget, which is <= 0 if the wait timed out. The
// synchronizer is reacquired before returning.
func (c *Condition) AwaitNanos(ctx context.Context, d time.Duration) (time.Duration, error) {
	c.checkOwner()
	if err := ctx.Err(); err != nil {
		return d, err
	}
	node := c.addConditionWaiter()
	saved := c.fullyRelease(node)
	deadline := nanotime() + d.Nanoseconds()
	cancelled := false
	var spins int
	for !c.s.isOnSyncQueue(node) {
		remaining := deadline - nanotime()
		if remaining <= 0 {
			c.transferAfterCancelledWait(node)
			break
		}
		if remaining > spinThresholdNanos {
			if err := node.parker.Load().parkNanos(ctx, remaining); err != nil {
				cancelled = c.transferAfterCancelledWait(node)
				break
			}
		} else if !trySpin(&spins) {
			runtime.Gosched()
		}
		if ctx.Err() != nil {
			cancelled = c.transferAfterCancelledWait(node)
			break
		}
	}
	c.s.acquireQueued(node, saved)
	if node.nextWaiter.Load() != nil {
		c.unlinkCancelledWaiters()
	}
	if cancelled {
		return time.Duration(deadline - nanotime()), ctx.Err()
	}
	return time.Duration(deadline - nanotime()), nil
}

// AwaitTimeout is AwaitNanos reported as a boolean: true if the wait was
// signalled within d, false on timeout.
func (c *Condition) AwaitTimeout(ctx context.Context, d time.Duration) (bool, error) {
	remaining, err := c.AwaitNanos(ctx, d)
	return remaining > 0, err
}

// AwaitUntil blocks until signalled, ctx done, or the wall-clock deadline
// passes. It returns false if the deadline elapsed before a signal.
func (c *Condition) AwaitUntil(ctx context.Context, deadline time.Time) (bool, error) {
	ok, err := c.AwaitTimeout(ctx, time.Until(deadline))
	return ok, err
}

// Signal transfers the longest-waiting live node to the sync queue.
func (c *Condition) Signal() {
	c.checkOwner()
	for first := c.firstWaiter; first != nil; first = c.firstWaiter {
		next := first.nextWaiter.Load()
		c.firstWaiter = next
		if next == nil {
			c.lastWaiter = nil
		}
		first.nextWaiter.Store(nil)
		if c.transferForSignal(first) {
			return
		}
	}
}

// SignalAll transfers every waiting node to the sync queue, preserving
// their arrival order.
func (c *Condition) SignalAll() {
	c.checkOwner()
	first := c.firstWaiter
	c.firstWaiter = nil
	c.lastWaiter = nil
	for first != nil {
		next := first.nextWaiter.Load()
		first.nextWaiter.Store(nil)
		c.transferForSignal(first)
		first = next
	}
}

// HasWaiters reports whether any goroutine is waiting on this condition.
func (c *Condition) HasWaiters() bool {
	c.checkOwner()
	for w := c.firstWaiter; w != nil; w = w.nextWaiter.Load() {
		if w.status.Load() == statusCondition {
			return true
		}
	}
	return false
}

// WaitQueueLength returns an estimate of the number of waiters.
func (c *Condition) WaitQueueLength() int {
	c.checkOwner()
	n := 0
	for w := c.firstWaiter; w != nil; w = w.nextWaiter.Load() {
		if w.status.Load() == statusCondition {
			n++
		}
	}
	return n
}
