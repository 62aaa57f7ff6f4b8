package synq

import (
	"context"
	"time"
)

const initialHeapCapacity = 16

// DelayHeap is a blocking priority queue of [ScheduledTask]s ordered by
// trigger time, with submission order breaking ties. It is a binary
// min-heap over a contiguous array; every task records its own array
// index, so cancelling an arbitrary task is O(log n) instead of a scan.
//
// All structure is guarded by one framework [Mutex]; the `available`
// condition signals the arrival of a new earliest task. Blocking takes
// use the leader/follower pattern: one goroutine (the leader) performs a
// timed wait for the head task's delay while the rest wait untimed,
// which keeps a near-simultaneous pack of consumers from all arming
// timers for the same task.
type DelayHeap struct {
	_         noCopy
	mu        *Mutex
	available *Condition

	tasks []*ScheduledTask
	size  int

	// leader identifies the goroutine in a timed wait for the head
	// task, by a per-call token. nil means the next taker should
	// become leader.
	leader *byte

	// drain makes Take return nil once the heap is empty instead of
	// blocking; stop makes it return nil immediately. Both are one-way
	// and guarded by mu.
	drain bool
	stop  bool
}

// NewDelayHeap creates an empty heap.
func NewDelayHeap() *DelayHeap {
	mu := NewMutex()
	return &DelayHeap{
		mu:        mu,
		available: mu.NewCondition(),
		tasks:     make([]*ScheduledTask, initialHeapCapacity),
	}
}

func taskBefore(a, b *ScheduledTask) bool {
	if d := a.time.Load() - b.time.Load(); d != 0 {
		return d < 0
	}
	return a.seq < b.seq
}

// siftUp moves t toward the root until its parent triggers no later,
// recording the index of every task it touches.
func (h *DelayHeap) siftUp(k int, t *ScheduledTask) {
	for k > 0 {
		parent := (k - 1) >> 1
		p := h.tasks[parent]
		if !taskBefore(t, p) {
			break
		}
		h.tasks[k] = p
		p.setIndex(k)
		k = parent
	}
	h.tasks[k] = t
	t.setIndex(k)
}

// siftDown moves t from slot k toward the leaves until both children
// trigger no earlier.
func (h *DelayHeap) siftDown(k int, t *ScheduledTask) {
	half := h.size >> 1
	for k < half {
		child := (k << 1) + 1
		c := h.tasks[child]
		if right := child + 1; right < h.size && taskBefore(h.tasks[right], c) {
			child = right
			c = h.tasks[child]
		}
		if !taskBefore(c, t) {
			break
		}
		h.tasks[k] = c
		c.setIndex(k)
		k = child
	}
	h.tasks[k] = t
	t.setIndex(k)
}

// grow resizes the backing array by 50%.
func (h *DelayHeap) grow() {
	grown := make([]*ScheduledTask, len(h.tasks)+len(h.tasks)>>1)
	copy(grown, h.tasks)
	h.tasks = grown
}

// indexOf locates t, preferring its recorded index over a scan.
func (h *DelayHeap) indexOf(t *ScheduledTask) int {
	if t == nil {
		return -1
	}
	if i := t.index(); i >= 0 && i < h.size && h.tasks[i] == t {
		return i
	}
	for i := 0; i < h.size; i++ {
		if h.tasks[i] == t {
			return i
		}
	}
	return -1
}

// Offer inserts t. If t became the new head, the current leader's timed
// wait is obsolete, so the leader designation is cleared and one waiter
// is signalled to re-evaluate.
func (h *DelayHeap) Offer(t *ScheduledTask) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.size
	if i >= len(h.tasks) {
		h.grow()
	}
	h.size = i + 1
	if i == 0 {
		h.tasks[0] = t
		t.setIndex(0)
	} else {
		h.siftUp(i, t)
	}
	if h.tasks[0] == t {
		h.leader = nil
		h.available.Signal()
	}
}

// finishPoll removes the task at the root slot occupied by t, re-heaps,
// and clears t's index. Callers hold the lock.
func (h *DelayHeap) finishPoll(t *ScheduledTask) *ScheduledTask {
	h.size--
	last := h.tasks[h.size]
	h.tasks[h.size] = nil
	if h.size != 0 {
		h.siftDown(0, last)
	}
	t.setIndex(-1)
	if h.size == 0 && h.drain {
		// Idle takers are waiting untimed; wake them so they can
		// observe the drain and exit.
		h.available.SignalAll()
	}
	return t
}

// Poll removes and returns the head task if its delay has expired, or
// nil.
func (h *DelayHeap) Poll() *ScheduledTask {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.size == 0 {
		return nil
	}
	first := h.tasks[0]
	if first.time.Load()-nanotime() > 0 {
		return nil
	}
	return h.finishPoll(first)
}

// Take blocks until the head task's delay expires, then removes and
// returns it. It returns (nil, nil) if the heap is stopped, or drained
// and empty; and (nil, ctx.Err()) if ctx is done first.
func (h *DelayHeap) Take(ctx context.Context) (*ScheduledTask, error) {
	if err := h.mu.LockContext(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if h.leader == nil && h.size > 0 {
			h.available.Signal()
		}
		h.mu.Unlock()
	}()
	self := new(byte)
	for {
		if h.stop {
			return nil, nil
		}
		if h.size == 0 {
			if h.drain {
				return nil, nil
			}
			if err := h.available.Await(ctx); err != nil {
				return nil, err
			}
			continue
		}
		first := h.tasks[0]
		d := first.time.Load() - nanotime()
		if d <= 0 {
			return h.finishPoll(first), nil
		}
		first = nil // no ref while parked
		if h.leader != nil {
			if err := h.available.Await(ctx); err != nil {
				return nil, err
			}
		} else {
			h.leader = self
			_, err := h.available.AwaitNanos(ctx, time.Duration(d))
			if h.leader == self {
				h.leader = nil
			}
			if err != nil {
				return nil, err
			}
		}
	}
}

// PollTimeout is Take with a bounded wait: it returns nil if no task
// becomes ready within d.
func (h *DelayHeap) PollTimeout(ctx context.Context, d time.Duration) (*ScheduledTask, error) {
	if err := h.mu.LockContext(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if h.leader == nil && h.size > 0 {
			h.available.Signal()
		}
		h.mu.Unlock()
	}()
	self := new(byte)
	deadline := nanotime() + d.Nanoseconds()
	for {
		if h.stop {
			return nil, nil
		}
		budget := deadline - nanotime()
		if h.size == 0 {
			if budget <= 0 || h.drain {
				return nil, nil
			}
			if _, err := h.available.AwaitNanos(ctx, time.Duration(budget)); err != nil {
				return nil, err
			}
			continue
		}
		first := h.tasks[0]
		delay := first.time.Load() - nanotime()
		if delay <= 0 {
			return h.finishPoll(first), nil
		}
		if budget <= 0 {
			return nil, nil
		}
		first = nil
		if budget < delay || h.leader != nil {
			if _, err := h.available.AwaitNanos(ctx, time.Duration(budget)); err != nil {
				return nil, err
			}
		} else {
			h.leader = self
			_, err := h.available.AwaitNanos(ctx, time.Duration(delay))
			if h.leader == self {
				h.leader = nil
			}
			if err != nil {
				return nil, err
			}
		}
	}
}

// Remove unlinks t wherever it sits in the heap. Returns false if t is
// not present.
func (h *DelayHeap) Remove(t *ScheduledTask) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.indexOf(t)
	if i < 0 {
		return false
	}
	t.setIndex(-1)
	h.size--
	replacement := h.tasks[h.size]
	h.tasks[h.size] = nil
	if i != h.size {
		h.siftDown(i, replacement)
		if h.tasks[i] == replacement {
			h.siftUp(i, replacement)
		}
	}
	if h.size == 0 && h.drain {
		h.available.SignalAll()
	}
	return true
}

// Peek returns the head task without removing it, or nil.
func (h *DelayHeap) Peek() *ScheduledTask {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.size == 0 {
		return nil
	}
	return h.tasks[0]
}

// Len returns the number of queued tasks.
func (h *DelayHeap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Snapshot returns the queued tasks in heap (not execution) order.
func (h *DelayHeap) Snapshot() []*ScheduledTask {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*ScheduledTask, h.size)
	copy(out, h.tasks[:h.size])
	return out
}

// DrainAll removes and returns every queued task.
func (h *DelayHeap) DrainAll() []*ScheduledTask {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*ScheduledTask, h.size)
	copy(out, h.tasks[:h.size])
	for i := 0; i < h.size; i++ {
		h.tasks[i].setIndex(-1)
		h.tasks[i] = nil
	}
	h.size = 0
	h.available.SignalAll()
	return out
}

// SetDrainMode makes empty Takes return nil instead of blocking, so
// consumers can run the heap dry and then exit.
func (h *DelayHeap) SetDrainMode() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drain = true
	if h.size == 0 {
		h.available.SignalAll()
	}
}

// Stop makes all pending and future Takes return nil immediately.
func (h *DelayHeap) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stop = true
	h.available.SignalAll()
}
