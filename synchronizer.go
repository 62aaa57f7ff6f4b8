package synq

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/synqio/synq/internal/opt"
)

// Ops interprets a Synchronizer's state word. A primitive built on the
// framework implements the hooks for the modes it supports and leaves the
// rest to [BaseOps]. Hooks must be non-blocking; they may inspect and CAS
// the state word via the Synchronizer accessors and must be prepared to be
// called concurrently from many goroutines.
//
// TryAcquireShared follows the tri-state convention: negative means
// failure, zero means success with nothing left for subsequent shared
// acquirers, positive means success and later shared acquires may also
// succeed.
type Ops interface {
	TryAcquire(s *Synchronizer, arg int32) bool
	TryRelease(s *Synchronizer, arg int32) bool
	TryAcquireShared(s *Synchronizer, arg int32) int32
	TryReleaseShared(s *Synchronizer, arg int32) bool
	IsHeldExclusively(s *Synchronizer) bool
}

// BaseOps implements every hook by panicking with [ErrUnsupported]. Embed
// it and override only the hooks your primitive's mode needs.
type BaseOps struct{}

func (BaseOps) TryAcquire(*Synchronizer, int32) bool        { panic(ErrUnsupported) }
func (BaseOps) TryRelease(*Synchronizer, int32) bool        { panic(ErrUnsupported) }
func (BaseOps) TryAcquireShared(*Synchronizer, int32) int32 { panic(ErrUnsupported) }
func (BaseOps) TryReleaseShared(*Synchronizer, int32) bool  { panic(ErrUnsupported) }
func (BaseOps) IsHeldExclusively(*Synchronizer) bool        { panic(ErrUnsupported) }

// spinThresholdNanos is the timed-acquire cutoff below which parking is
// more expensive than spinning, so the acquire loop busy-retries instead.
const spinThresholdNanos = 1000

// Synchronizer is a blocking acquire/release engine over a single 32-bit
// atomic state word and an intrusive FIFO wait queue. The meaning of the
// state word belongs entirely to the [Ops] supplied at construction; the
// engine provides queuing, parking, timed and interruptible waits,
// cancellation and condition queues.
//
// The wait queue is a CLH variant: each parked goroutine's node watches
// its predecessor's status rather than a global flag, and explicit prev
// links make mid-queue cancellation possible. head and tail are lazily
// initialized on first contention.
type Synchronizer struct {
	_   noCopy
	ops Ops

	state atomic.Int32
	_     [opt.CacheLineSize_]byte

	// head is a dummy once initialized; its status is never cancelled,
	// and a node becomes head only by acquiring.
	head atomic.Pointer[waitNode]
	tail atomic.Pointer[waitNode]
}

// New creates a Synchronizer driven by ops. The state word starts at 0;
// use SetState before publishing the synchronizer if your primitive needs
// a different initial value.
func New(ops Ops) *Synchronizer {
	return &Synchronizer{ops: ops}
}

// State returns the current state word with acquire ordering.
func (s *Synchronizer) State() int32 {
	return s.state.Load()
}

// SetState writes the state word with release ordering.
func (s *Synchronizer) SetState(v int32) {
	s.state.Store(v)
}

// CompareAndSetState atomically sets the state word to new if it equals
// old.
func (s *Synchronizer) CompareAndSetState(old, new int32) bool {
	return s.state.CompareAndSwap(old, new)
}

// ---------------------------------------------------------------------------
// Queue mechanics

// enq inserts node into the queue, initializing head and tail on first
// contention, and returns the node's predecessor. prev is set before the
// tail CAS so a concurrent tail→head scan never observes a nil prev.
func (s *Synchronizer) enq(node *waitNode) *waitNode {
	for {
		t := s.tail.Load()
		if t == nil {
			h := &waitNode{}
			if s.head.CompareAndSwap(nil, h) {
				s.tail.Store(h)
			}
			continue
		}
		node.prev.Store(t)
		if s.tail.CompareAndSwap(t, node) {
			t.next.Store(node)
			return t
		}
	}
}

// addWaiter creates and enqueues a node for the current attempt. mode is
// sharedTag or nil (exclusive). The single-CAS fast path backs off to enq
// on contention or an uninitialized queue.
func (s *Synchronizer) addWaiter(mode *waitNode) *waitNode {
	node := newWaitNode(mode)
	if t := s.tail.Load(); t != nil {
		node.prev.Store(t)
		if s.tail.CompareAndSwap(t, node) {
			t.next.Store(node)
			return node
		}
	}
	s.enq(node)
	return node
}

// setHead promotes node to head. Called only by the goroutine that just
// acquired, so plain stores suffice beyond the head pointer itself; the
// parker and prev are cleared to cut references for the collector.
func (s *Synchronizer) setHead(node *waitNode) {
	s.head.Store(node)
	node.parker.Store(nil)
	node.prev.Store(nil)
}

// unparkSuccessor wakes node's successor, if one exists. The status clear
// is best-effort; a lost CAS just means the releasing and acquiring sides
// raced harmlessly. If next is missing or cancelled, scan from tail via
// prev links for the closest live successor.
func (s *Synchronizer) unparkSuccessor(node *waitNode) {
	if ws := node.status.Load(); ws < 0 {
		node.status.CompareAndSwap(ws, 0)
	}
	succ := node.next.Load()
	if succ == nil || succ.status.Load() > 0 {
		succ = nil
		for t := s.tail.Load(); t != nil && t != node; t = t.prev.Load() {
			if t.status.Load() <= 0 {
				succ = t
			}
		}
	}
	if succ != nil {
		succ.unpark()
	}
}

// shouldParkAfterFailedAcquire decides whether the owner of node may park
// after a failed acquire, given predecessor pred. Returns true only once
// pred is committed to signalling us. Cancelled predecessors are spliced
// out on the way; a pending 0/PROPAGATE status is CASed to SIGNAL and the
// caller retries the acquire before actually parking.
func (s *Synchronizer) shouldParkAfterFailedAcquire(pred, node *waitNode) bool {
	ws := pred.status.Load()
	if ws == statusSignal {
		return true
	}
	if ws > 0 {
		for {
			pred = pred.prev.Load()
			node.prev.Store(pred)
			if pred.status.Load() <= 0 {
				break
			}
		}
		pred.next.Store(node)
	} else {
		pred.status.CompareAndSwap(ws, statusSignal)
	}
	return false
}

// cancelAcquire abandons node's acquire attempt after a timeout,
// cancellation or a panicking hook. The unlinking is deliberately not
// atomic: any link this pass fails to fix is repaired by later acquirers
// splicing past cancelled nodes.
func (s *Synchronizer) cancelAcquire(node *waitNode) {
	if node == nil {
		return
	}
	node.parker.Store(nil)

	pred := node.prev.Load()
	for pred.status.Load() > 0 {
		pred = pred.prev.Load()
		node.prev.Store(pred)
	}
	predNext := pred.next.Load()

	node.status.Store(statusCancelled)

	if node == s.tail.Load() && s.tail.CompareAndSwap(node, pred) {
		pred.next.CompareAndSwap(predNext, nil)
	} else {
		ws := pred.status.Load()
		if pred != s.head.Load() &&
			(ws == statusSignal || (ws <= 0 && pred.status.CompareAndSwap(ws, statusSignal))) &&
			pred.parker.Load() != nil {
			next := node.next.Load()
			if next != nil && next.status.Load() <= 0 {
				pred.next.CompareAndSwap(predNext, next)
			}
		} else {
			s.unparkSuccessor(node)
		}
		// Self-loop: off the queue, but recognizable as an ex-member
		// by traversals that still hold a reference.
		node.next.Store(node)
	}
}

// ---------------------------------------------------------------------------
// Exclusive acquire

// Acquire acquires in exclusive mode, parking until Ops.TryAcquire
// succeeds. It is not cancellable; use AcquireContext for that.
func (s *Synchronizer) Acquire(arg int32) {
	if s.ops.TryAcquire(s, arg) {
		return
	}
	s.acquireQueued(s.addWaiter(nil), arg)
}

// acquireQueued runs the queued acquire loop for an already-enqueued node.
// Also used by conditions to reacquire after a wakeup.
func (s *Synchronizer) acquireQueued(node *waitNode, arg int32) {
	done := false
	defer func() {
		if !done {
			s.cancelAcquire(node)
		}
	}()
	for {
		p := node.predecessor()
		if p == s.head.Load() && s.ops.TryAcquire(s, arg) {
			s.setHead(node)
			p.next.Store(nil)
			done = true
			return
		}
		if s.shouldParkAfterFailedAcquire(p, node) {
			node.parker.Load().park()
		}
	}
}

// AcquireContext acquires in exclusive mode, unwinding with ctx.Err() if
// ctx is cancelled or times out first. On error the queued node is
// cancelled and cleaned out of the queue.
func (s *Synchronizer) AcquireContext(ctx context.Context, arg int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.ops.TryAcquire(s, arg) {
		return nil
	}
	return s.doAcquireContext(ctx, arg)
}

func (s *Synchronizer) doAcquireContext(ctx context.Context, arg int32) error {
	node := s.addWaiter(nil)
	done := false
	defer func() {
		if !done {
			s.cancelAcquire(node)
		}
	}()
	for {
		p := node.predecessor()
		if p == s.head.Load() && s.ops.TryAcquire(s, arg) {
			s.setHead(node)
			p.next.Store(nil)
			done = true
			return nil
		}
		if s.shouldParkAfterFailedAcquire(p, node) {
			if err := node.parker.Load().parkCtx(ctx); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// AcquireTimeout acquires in exclusive mode with a deadline. It returns
// (true, nil) on acquisition, (false, nil) if d elapses first, and
// (false, ctx.Err()) if ctx is cancelled. Budgets at or below the spin
// threshold busy-retry instead of arming a timed park.
func (s *Synchronizer) AcquireTimeout(ctx context.Context, arg int32, d time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.ops.TryAcquire(s, arg) {
		return true, nil
	}
	return s.doAcquireTimeout(ctx, arg, d.Nanoseconds())
}

func (s *Synchronizer) doAcquireTimeout(ctx context.Context, arg int32, nanos int64) (bool, error) {
	if nanos <= 0 {
		return false, nil
	}
	deadline := nanotime() + nanos
	node := s.addWaiter(nil)
	done := false
	defer func() {
		if !done {
			s.cancelAcquire(node)
		}
	}()
	var spins int
	for {
		p := node.predecessor()
		if p == s.head.Load() && s.ops.TryAcquire(s, arg) {
			s.setHead(node)
			p.next.Store(nil)
			done = true
			return true, nil
		}
		remaining := deadline - nanotime()
		if remaining <= 0 {
			return false, nil
		}
		if s.shouldParkAfterFailedAcquire(p, node) {
			if remaining > spinThresholdNanos {
				if err := node.parker.Load().parkNanos(ctx, remaining); err != nil {
					return false, err
				}
			} else if !trySpin(&spins) {
				runtime.Gosched()
			}
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
}

// Release releases in exclusive mode. If Ops.TryRelease reports the state
// now permits a waiting acquirer, the head's successor is unparked.
func (s *Synchronizer) Release(arg int32) bool {
	if s.ops.TryRelease(s, arg) {
		h := s.head.Load()
		if h != nil && h.status.Load() != 0 {
			s.unparkSuccessor(h)
		}
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Shared acquire

// AcquireShared acquires in shared mode, uninterruptibly.
func (s *Synchronizer) AcquireShared(arg int32) {
	if s.ops.TryAcquireShared(s, arg) < 0 {
		s.doAcquireShared(arg)
	}
}

func (s *Synchronizer) doAcquireShared(arg int32) {
	node := s.addWaiter(sharedTag)
	done := false
	defer func() {
		if !done {
			s.cancelAcquire(node)
		}
	}()
	for {
		p := node.predecessor()
		if p == s.head.Load() {
			r := s.ops.TryAcquireShared(s, arg)
			if r >= 0 {
				s.setHeadAndPropagate(node, r)
				p.next.Store(nil)
				done = true
				return
			}
		}
		if s.shouldParkAfterFailedAcquire(p, node) {
			node.parker.Load().park()
		}
	}
}

// AcquireSharedContext acquires in shared mode, unwinding with ctx.Err()
// on cancellation.
func (s *Synchronizer) AcquireSharedContext(ctx context.Context, arg int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.ops.TryAcquireShared(s, arg) >= 0 {
		return nil
	}
	return s.doAcquireSharedContext(ctx, arg)
}

func (s *Synchronizer) doAcquireSharedContext(ctx context.Context, arg int32) error {
	node := s.addWaiter(sharedTag)
	done := false
	defer func() {
		if !done {
			s.cancelAcquire(node)
		}
	}()
	for {
		p := node.predecessor()
		if p == s.head.Load() {
			r := s.ops.TryAcquireShared(s, arg)
			if r >= 0 {
				s.setHeadAndPropagate(node, r)
				p.next.Store(nil)
				done = true
				return nil
			}
		}
		if s.shouldParkAfterFailedAcquire(p, node) {
			if err := node.parker.Load().parkCtx(ctx); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// AcquireSharedTimeout acquires in shared mode with a deadline, with the
// same result convention as AcquireTimeout.
func (s *Synchronizer) AcquireSharedTimeout(ctx context.Context, arg int32, d time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.ops.TryAcquireShared(s, arg) >= 0 {
		return true, nil
	}
	return s.doAcquireSharedTimeout(ctx, arg, d.Nanoseconds())
}

func (s *Synchronizer) doAcquireSharedTimeout(ctx context.Context, arg int32, nanos int64) (bool, error) {
	if nanos <= 0 {
		return false, nil
	}
	deadline := nanotime() + nanos
	node := s.addWaiter(sharedTag)
	done := false
	defer func() {
		if !done {
			s.cancelAcquire(node)
		}
	}()
	var spins int
	for {
		p := node.predecessor()
		if p == s.head.Load() {
			r := s.ops.TryAcquireShared(s, arg)
			if r >= 0 {
				s.setHeadAndPropagate(node, r)
				p.next.Store(nil)
				done = true
				return true, nil
			}
		}
		remaining := deadline - nanotime()
		if remaining <= 0 {
			return false, nil
		}
		if s.shouldParkAfterFailedAcquire(p, node) {
			if remaining > spinThresholdNanos {
				if err := node.parker.Load().parkNanos(ctx, remaining); err != nil {
					return false, err
				}
			} else if !trySpin(&spins) {
				runtime.Gosched()
			}
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
}

// setHeadAndPropagate promotes node to head and, if the release may
// satisfy further shared acquirers (propagate > 0, or a status on the old
// or new head hints at one), keeps the wakeup chain going.
func (s *Synchronizer) setHeadAndPropagate(node *waitNode, propagate int32) {
	h := s.head.Load()
	s.setHead(node)
	prop := propagate > 0 || h == nil || h.status.Load() < 0
	if !prop {
		if h2 := s.head.Load(); h2 == nil || h2.status.Load() < 0 {
			prop = true
		}
	}
	if prop {
		if succ := node.next.Load(); succ == nil || succ.isShared() {
			s.doReleaseShared()
		}
	}
}

// ReleaseShared releases in shared mode and propagates the wakeup.
func (s *Synchronizer) ReleaseShared(arg int32) bool {
	if s.ops.TryReleaseShared(s, arg) {
		s.doReleaseShared()
		return true
	}
	return false
}

// doReleaseShared drives the shared wakeup chain. A head in SIGNAL state
// gets its successor unparked; a head in state 0 is tagged PROPAGATE so a
// racing setHeadAndPropagate knows the release happened even though no
// successor demanded a signal yet. The loop re-runs while the head moves
// under it.
func (s *Synchronizer) doReleaseShared() {
	for {
		h := s.head.Load()
		if h != nil && h != s.tail.Load() {
			switch ws := h.status.Load(); ws {
			case statusSignal:
				if !h.status.CompareAndSwap(statusSignal, 0) {
					continue
				}
				s.unparkSuccessor(h)
			case 0:
				if !h.status.CompareAndSwap(0, statusPropagate) {
					continue
				}
			}
		}
		if h == s.head.Load() {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Queue inspection

// HasQueuedGoroutines reports whether any goroutine is waiting to acquire.
// The answer can be stale by the time it is returned.
func (s *Synchronizer) HasQueuedGoroutines() bool {
	return s.head.Load() != s.tail.Load()
}

// HasContended reports whether any goroutine has ever contended on this
// synchronizer, i.e. an acquire has ever queued.
func (s *Synchronizer) HasContended() bool {
	return s.head.Load() != nil
}

// HasQueuedPredecessors reports whether any goroutine is queued behind
// the head, and so would precede a newly arriving acquirer. Goroutines have no identity the engine can observe,
// so unlike a thread-based queue this cannot exclude the caller's own
// pending node; it is an inspection aid, not a fairness primitive.
func (s *Synchronizer) HasQueuedPredecessors() bool {
	return s.head.Load() != s.tail.Load()
}

// apparentlyFirstQueuedIsExclusive reports whether the first live queued
// node is waiting in exclusive mode. Shared-mode fast paths consult this
// to avoid barging past a queued writer indefinitely.
func (s *Synchronizer) apparentlyFirstQueuedIsExclusive() bool {
	h := s.head.Load()
	if h == nil {
		return false
	}
	first := h.next.Load()
	return first != nil && !first.isShared() && first.parker.Load() != nil
}

// QueueLength returns an estimate of the number of queued acquirers.
func (s *Synchronizer) QueueLength() int {
	n := 0
	for t := s.tail.Load(); t != nil; t = t.prev.Load() {
		if t.parker.Load() != nil {
			n++
		}
	}
	return n
}

// ExclusiveQueueLength estimates the number of queued exclusive-mode
// acquirers.
func (s *Synchronizer) ExclusiveQueueLength() int {
	n := 0
	for t := s.tail.Load(); t != nil; t = t.prev.Load() {
		if !t.isShared() && t.parker.Load() != nil {
			n++
		}
	}
	return n
}

// SharedQueueLength estimates the number of queued shared-mode acquirers.
func (s *Synchronizer) SharedQueueLength() int {
	n := 0
	for t := s.tail.Load(); t != nil; t = t.prev.Load() {
		if t.isShared() && t.parker.Load() != nil {
			n++
		}
	}
	return n
}

// isOnSyncQueue reports whether a node that started as a condition waiter
// has been transferred to the sync queue.
func (s *Synchronizer) isOnSyncQueue(node *waitNode) bool {
	if node.status.Load() == statusCondition || node.prev.Load() == nil {
		return false
	}
	if node.next.Load() != nil {
		return true
	}
	// prev is set but the tail CAS may not have completed; search from
	// the tail. The node is almost always near it.
	for t := s.tail.Load(); t != nil; t = t.prev.Load() {
		if t == node {
			return true
		}
	}
	return false
}
