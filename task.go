package synq

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Task is a payload with no result. Periodic schedules use this form; a
// returned error stops a periodic task's rescheduling.
type Task func(ctx context.Context) error

// Callable is a payload producing a result, retrieved via
// [ScheduledTask.Get].
type Callable func(ctx context.Context) (any, error)

// Task completion states. A task is "new" until it either completes
// (done) or is cancelled; periodic tasks stay new across runs so they
// can be rearmed.
const (
	taskStateNew int32 = iota
	taskStateDone
	taskStateCancelled
)

// ScheduledTask is a unit of delayed or periodic work queued in a
// [DelayHeap]. It is also the task's future: Get blocks for the result
// of a one-shot execution, Cancel prevents or interrupts execution.
type ScheduledTask struct {
	core *ScheduledCore
	call Callable

	// time is the trigger instant in package-clock nanoseconds. A
	// periodic task's worker rewrites it between runs while other
	// goroutines read it through Delay, hence atomic.
	time atomic.Int64

	// period encodes the schedule: 0 one-shot, >0 fixed-rate (next
	// trigger = previous trigger + period), <0 fixed-delay (next
	// trigger = completion time + |period|).
	period int64

	// seq breaks trigger-time ties FIFO by submission order.
	seq int64

	// idx is the task's position in the heap array, -1 when absent.
	// Maintained under the heap lock on every sift; read optimistically
	// by cancellation.
	idx atomic.Int32

	// outer is the task actually re-enqueued for the next periodic
	// run: the decorated wrapper when a decorator is installed, the
	// task itself otherwise.
	outer *ScheduledTask

	state atomic.Int32
	done  *Latch
	value any
	err   error

	// runCancel interrupts the in-flight execution, set only while the
	// payload runs.
	runCancel atomic.Pointer[context.CancelFunc]
}

func (t *ScheduledTask) index() int {
	return int(t.idx.Load())
}

func (t *ScheduledTask) setIndex(i int) {
	t.idx.Store(int32(i))
}

// IsPeriodic reports whether the task reschedules itself after each run.
func (t *ScheduledTask) IsPeriodic() bool {
	return t.period != 0
}

// Delay returns the time remaining until the task's trigger instant.
// Negative once the trigger has passed.
func (t *ScheduledTask) Delay() time.Duration {
	return time.Duration(t.time.Load() - nanotime())
}

// IsCancelled reports whether the task was cancelled before completing.
func (t *ScheduledTask) IsCancelled() bool {
	return t.state.Load() == taskStateCancelled
}

// IsDone reports whether the task completed or was cancelled. A periodic
// task is done only once it stops rescheduling.
func (t *ScheduledTask) IsDone() bool {
	return t.state.Load() != taskStateNew
}

// Cancel transitions the task to cancelled if it has not already
// completed. mayInterrupt additionally cancels the context of an
// in-flight execution (best-effort). A cancelled periodic task is never
// rescheduled. When the owning scheduler runs with remove-on-cancel, the
// task is also unlinked from the delay heap immediately.
func (t *ScheduledTask) Cancel(mayInterrupt bool) bool {
	if !t.state.CompareAndSwap(taskStateNew, taskStateCancelled) {
		return false
	}
	if mayInterrupt {
		if cancel := t.runCancel.Load(); cancel != nil {
			(*cancel)()
		}
	}
	t.done.CountDown()
	if c := t.core; c != nil && c.removeOnCancel.Load() && t.index() >= 0 {
		c.remove(t)
	}
	return true
}

// Get blocks until the task completes or is cancelled and returns its
// result. It returns [ErrCancelled] for a cancelled task, and ctx.Err()
// if ctx is done before the task settles.
func (t *ScheduledTask) Get(ctx context.Context) (any, error) {
	if err := t.done.AwaitContext(ctx); err != nil {
		return nil, err
	}
	if t.state.Load() == taskStateCancelled {
		return nil, ErrCancelled
	}
	return t.value, t.err
}

// setNextRunTime advances the trigger after a successful periodic run.
func (t *ScheduledTask) setNextRunTime() {
	if t.period > 0 {
		t.time.Add(t.period)
	} else {
		t.time.Store(t.core.triggerTimeNanos(-t.period))
	}
}

// invoke runs the payload with panic containment; a panicking task
// settles its future with an error instead of killing the worker.
func (t *ScheduledTask) invoke(ctx context.Context) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = fmt.Errorf("synq: task panicked: %v", r)
		}
	}()
	return t.call(ctx)
}

// run executes one trigger of the task on a worker goroutine.
func (t *ScheduledTask) run() {
	c := t.core
	periodic := t.IsPeriodic()
	if !c.canRunInCurrentRunState(periodic) {
		t.Cancel(false)
		return
	}
	if !periodic {
		t.runOnce()
	} else if t.runAndReset() {
		t.setNextRunTime()
		c.reExecutePeriodic(t.outer)
	}
}

// runOnce latches the one-shot result, unless a concurrent Cancel wins
// the completion race, in which case the result is discarded.
func (t *ScheduledTask) runOnce() {
	if t.state.Load() != taskStateNew {
		return
	}
	ctx, cancel := context.WithCancel(t.core.taskCtx)
	t.runCancel.Store(&cancel)
	v, err := t.invoke(ctx)
	t.runCancel.Store(nil)
	cancel()
	if t.state.CompareAndSwap(taskStateNew, taskStateDone) {
		t.value = v
		t.err = err
		t.done.CountDown()
	}
}

// runAndReset executes without latching a result so the task can run
// again. It returns true if the task is still live and may be
// rescheduled; an error or panic settles the future and ends the series.
func (t *ScheduledTask) runAndReset() bool {
	if t.state.Load() != taskStateNew {
		return false
	}
	ctx, cancel := context.WithCancel(t.core.taskCtx)
	t.runCancel.Store(&cancel)
	_, err := t.invoke(ctx)
	t.runCancel.Store(nil)
	cancel()
	if err != nil {
		if t.state.CompareAndSwap(taskStateNew, taskStateDone) {
			t.err = err
			t.done.CountDown()
		}
		return false
	}
	return t.state.Load() == taskStateNew
}
