package synq

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/llxisdsh/pb"
)

// Scheduler run states, in lifecycle order. RUNNING accepts and runs
// tasks; SHUTDOWN accepts no new tasks but may finish queued ones per
// policy; STOP runs nothing further; TIDYING is the transient window in
// which the last worker exits; TERMINATED is final.
const (
	stateRunning int32 = iota
	stateShutdown
	stateStop
	stateTidying
	stateTerminated
)

// ScheduledCore schedules one-shot and periodic tasks over a fixed set
// of lazily-started worker goroutines, ordered by a [DelayHeap].
//
// Three policies govern behavior across Shutdown, settable at
// construction or live:
//
//   - continue periodic after shutdown (default false)
//   - execute delayed after shutdown (default true)
//   - remove on cancel (default false)
type ScheduledCore struct {
	_     noCopy
	queue *DelayHeap

	runState atomic.Int32
	workers  atomic.Int32
	coreSize int32

	seq atomic.Int64

	continuePeriodic atomic.Bool
	executeDelayed   atomic.Bool
	removeOnCancel   atomic.Bool

	decorate TaskDecorator
	log      *slog.Logger

	// pending indexes tasks currently queued in the heap by sequence
	// number, for lock-free inspection.
	pending pb.MapOf[int64, *ScheduledTask]

	termination *Latch

	// taskCtx parents every task execution; cancelled by ShutdownNow
	// to interrupt in-flight payloads.
	taskCtx    context.Context
	taskCancel context.CancelFunc
}

// TaskDecorator modifies or replaces the task used to execute a
// submission. The returned task is what gets queued and, for periodic
// schedules, re-queued.
type TaskDecorator func(t *ScheduledTask) *ScheduledTask

// CoreOption configures a ScheduledCore.
type CoreOption func(c *ScheduledCore)

// WithWorkers sets the maximum number of worker goroutines, overriding
// the count passed to NewScheduledCore. Values below 1 are clamped to 1.
func WithWorkers(n int) CoreOption {
	return func(c *ScheduledCore) {
		if n < 1 {
			n = 1
		}
		c.coreSize = int32(n)
	}
}

// WithLogger directs the scheduler's lifecycle logging to log.
func WithLogger(log *slog.Logger) CoreOption {
	return func(c *ScheduledCore) { c.log = log }
}

// WithTaskDecorator installs a task decoration hook.
func WithTaskDecorator(d TaskDecorator) CoreOption {
	return func(c *ScheduledCore) { c.decorate = d }
}

// WithContinuePeriodicAfterShutdown sets whether periodic tasks keep
// running after Shutdown.
func WithContinuePeriodicAfterShutdown(v bool) CoreOption {
	return func(c *ScheduledCore) { c.continuePeriodic.Store(v) }
}

// WithExecuteDelayedAfterShutdown sets whether queued one-shot tasks
// still execute after Shutdown.
func WithExecuteDelayedAfterShutdown(v bool) CoreOption {
	return func(c *ScheduledCore) { c.executeDelayed.Store(v) }
}

// WithRemoveOnCancel sets whether cancelling a task unlinks it from the
// delay heap immediately rather than leaving it to lapse at its trigger.
func WithRemoveOnCancel(v bool) CoreOption {
	return func(c *ScheduledCore) { c.removeOnCancel.Store(v) }
}

// NewScheduledCore creates a scheduler that runs tasks on up to workers
// goroutines. Workers are started on demand as tasks are queued.
func NewScheduledCore(workers int, opts ...CoreOption) *ScheduledCore {
	if workers < 1 {
		workers = 1
	}
	c := &ScheduledCore{
		queue:       NewDelayHeap(),
		coreSize:    int32(workers),
		termination: NewLatch(1),
		log:         slog.New(slog.DiscardHandler),
	}
	c.executeDelayed.Store(true)
	c.taskCtx, c.taskCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ContinuePeriodicAfterShutdown reports the current policy.
func (c *ScheduledCore) ContinuePeriodicAfterShutdown() bool {
	return c.continuePeriodic.Load()
}

// SetContinuePeriodicAfterShutdown updates the policy. Turning it off
// after shutdown cancels queued periodic tasks.
func (c *ScheduledCore) SetContinuePeriodicAfterShutdown(v bool) {
	c.continuePeriodic.Store(v)
	if !v && c.IsShutdown() {
		c.onShutdown()
	}
}

// ExecuteDelayedAfterShutdown reports the current policy.
func (c *ScheduledCore) ExecuteDelayedAfterShutdown() bool {
	return c.executeDelayed.Load()
}

// SetExecuteDelayedAfterShutdown updates the policy. Turning it off
// after shutdown cancels queued one-shot tasks.
func (c *ScheduledCore) SetExecuteDelayedAfterShutdown(v bool) {
	c.executeDelayed.Store(v)
	if !v && c.IsShutdown() {
		c.onShutdown()
	}
}

// RemoveOnCancel reports the current policy.
func (c *ScheduledCore) RemoveOnCancel() bool {
	return c.removeOnCancel.Load()
}

// SetRemoveOnCancel updates the policy.
func (c *ScheduledCore) SetRemoveOnCancel(v bool) {
	c.removeOnCancel.Store(v)
}

// ---------------------------------------------------------------------------
// Trigger time computation

// triggerTimeNanos converts a delay into an absolute trigger instant,
// clamping huge delays so that the pairwise difference with any queued
// task stays representable (the heap orders tasks by subtracting trigger
// times).
func (c *ScheduledCore) triggerTimeNanos(delay int64) int64 {
	if delay < 0 {
		delay = 0
	}
	if delay >= math.MaxInt64>>1 {
		delay = c.overflowFree(delay)
	}
	return nanotime() + delay
}

// overflowFree constrains delay to within MaxInt64 of the most overdue
// queued task. Without this, a task overdue by d and a new task with
// delay near MaxInt64 would compare through an overflowed subtraction.
func (c *ScheduledCore) overflowFree(delay int64) int64 {
	if head := c.queue.Peek(); head != nil {
		headDelay := head.time.Load() - nanotime()
		if headDelay < 0 && delay-headDelay < 0 {
			delay = math.MaxInt64 + headDelay
		}
	}
	return delay
}

// ---------------------------------------------------------------------------
// Submission

func (c *ScheduledCore) newTask(call Callable, triggerNanos, period int64) *ScheduledTask {
	t := &ScheduledTask{
		core:   c,
		call:   call,
		period: period,
		seq:    c.seq.Add(1) - 1,
		done:   NewLatch(1),
	}
	t.time.Store(triggerNanos)
	t.setIndex(-1)
	return t
}

func (c *ScheduledCore) submit(call Callable, triggerNanos, period int64) (*ScheduledTask, error) {
	t := c.newTask(call, triggerNanos, period)
	decorated := t
	if c.decorate != nil {
		decorated = c.decorate(t)
		if decorated == nil {
			decorated = t
		}
	}
	t.outer = decorated
	decorated.outer = decorated
	if err := c.delayedExecute(decorated); err != nil {
		return nil, err
	}
	return decorated, nil
}

// Schedule runs fn once after delay and returns its future.
func (c *ScheduledCore) Schedule(fn Task, delay time.Duration) (*ScheduledTask, error) {
	if fn == nil {
		return nil, ErrNilTask
	}
	return c.submit(func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	}, c.triggerTimeNanos(delay.Nanoseconds()), 0)
}

// ScheduleCallable runs fn once after delay; the future's Get returns
// fn's result.
func (c *ScheduledCore) ScheduleCallable(fn Callable, delay time.Duration) (*ScheduledTask, error) {
	if fn == nil {
		return nil, ErrNilTask
	}
	return c.submit(fn, c.triggerTimeNanos(delay.Nanoseconds()), 0)
}

// ScheduleAtFixedRate runs fn first after initialDelay and then with
// triggers period apart, regardless of each run's duration. Runs never
// overlap: a run that outlasts the period delays its successors rather
// than running concurrently with them.
func (c *ScheduledCore) ScheduleAtFixedRate(fn Task, initialDelay, period time.Duration) (*ScheduledTask, error) {
	if fn == nil {
		return nil, ErrNilTask
	}
	if period <= 0 {
		return nil, ErrNonPositivePeriod
	}
	return c.submit(func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	}, c.triggerTimeNanos(initialDelay.Nanoseconds()), period.Nanoseconds())
}

// ScheduleWithFixedDelay runs fn first after initialDelay and then with
// delay between the completion of one run and the start of the next.
func (c *ScheduledCore) ScheduleWithFixedDelay(fn Task, initialDelay, delay time.Duration) (*ScheduledTask, error) {
	if fn == nil {
		return nil, ErrNilTask
	}
	if delay <= 0 {
		return nil, ErrNonPositivePeriod
	}
	return c.submit(func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	}, c.triggerTimeNanos(initialDelay.Nanoseconds()), -delay.Nanoseconds())
}

// delayedExecute queues t, re-checks the run state for a shutdown that
// raced with the add, and makes sure a worker exists to serve it.
func (c *ScheduledCore) delayedExecute(t *ScheduledTask) error {
	if c.runState.Load() != stateRunning {
		c.log.Debug("task rejected", "seq", t.seq)
		return ErrRejected
	}
	c.pending.Store(t.seq, t)
	c.queue.Offer(t)
	if c.runState.Load() != stateRunning &&
		!c.canRunInCurrentRunState(t.IsPeriodic()) && c.remove(t) {
		t.Cancel(false)
		return nil
	}
	c.ensurePrestart()
	return nil
}

// canRunInCurrentRunState applies the shutdown policy table.
func (c *ScheduledCore) canRunInCurrentRunState(periodic bool) bool {
	switch c.runState.Load() {
	case stateRunning:
		return true
	case stateShutdown:
		if periodic {
			return c.continuePeriodic.Load()
		}
		return c.executeDelayed.Load()
	default:
		return false
	}
}

// reExecutePeriodic requeues a periodic task for its next trigger,
// dropping it instead if the run state no longer permits periodic work.
func (c *ScheduledCore) reExecutePeriodic(t *ScheduledTask) {
	if !c.canRunInCurrentRunState(true) {
		return
	}
	c.pending.Store(t.seq, t)
	c.queue.Offer(t)
	if !c.canRunInCurrentRunState(true) && c.remove(t) {
		t.Cancel(false)
		return
	}
	c.ensurePrestart()
}

// remove unlinks t from the heap and the pending index.
func (c *ScheduledCore) remove(t *ScheduledTask) bool {
	if !c.queue.Remove(t) {
		return false
	}
	c.pending.Delete(t.seq)
	return true
}

// ---------------------------------------------------------------------------
// Workers

// ensurePrestart launches a worker if the pool is below its core size,
// or if it is momentarily empty.
func (c *ScheduledCore) ensurePrestart() {
	for {
		n := c.workers.Load()
		if n >= c.coreSize {
			return
		}
		if c.workers.CompareAndSwap(n, n+1) {
			go c.workerLoop(n)
			return
		}
	}
}

func (c *ScheduledCore) workerLoop(id int32) {
	log := c.log.With("worker", id)
	log.Debug("worker started")
	defer func() {
		c.workers.Add(-1)
		c.tryTerminate()
		log.Debug("worker exited")
	}()
	for {
		t, err := c.queue.Take(context.Background())
		if err != nil {
			return
		}
		if t == nil {
			st := c.runState.Load()
			if st >= stateStop || (st == stateShutdown && c.queue.Len() == 0) {
				return
			}
			continue
		}
		c.pending.Delete(t.seq)
		t.run()
	}
}

// ---------------------------------------------------------------------------
// Shutdown

// Shutdown stops accepting tasks and applies the after-shutdown
// policies to the queue. Queued tasks the policies keep still run;
// workers exit once the queue drains. Idempotent.
func (c *ScheduledCore) Shutdown() {
	if !c.advanceRunState(stateShutdown) {
		return
	}
	c.log.Info("scheduler shutting down")
	c.onShutdown()
	c.queue.SetDrainMode()
	c.tryTerminate()
}

// ShutdownNow additionally abandons all queued tasks and cancels the
// context of every in-flight execution. It returns the tasks that never
// ran.
func (c *ScheduledCore) ShutdownNow() []*ScheduledTask {
	c.advanceRunState(stateStop)
	c.log.Info("scheduler stopping")
	c.taskCancel()
	c.queue.Stop()
	dropped := c.queue.DrainAll()
	for _, t := range dropped {
		c.pending.Delete(t.seq)
	}
	c.tryTerminate()
	return dropped
}

// advanceRunState moves the run state forward to target; it never moves
// it backward. Returns true if this call performed the transition.
func (c *ScheduledCore) advanceRunState(target int32) bool {
	for {
		st := c.runState.Load()
		if st >= target {
			return false
		}
		if c.runState.CompareAndSwap(st, target) {
			return true
		}
	}
}

// onShutdown cancels and removes every queued task the current policies
// disallow, plus any task already cancelled but still occupying a heap
// slot.
func (c *ScheduledCore) onShutdown() {
	keepDelayed := c.executeDelayed.Load()
	keepPeriodic := c.continuePeriodic.Load()
	if !keepDelayed && !keepPeriodic {
		for _, t := range c.queue.DrainAll() {
			c.pending.Delete(t.seq)
			t.Cancel(false)
		}
	} else {
		for _, t := range c.queue.Snapshot() {
			keep := keepDelayed
			if t.IsPeriodic() {
				keep = keepPeriodic
			}
			if !keep || t.IsCancelled() {
				if c.remove(t) {
					t.Cancel(false)
				}
			}
		}
	}
	c.tryTerminate()
}

// tryTerminate completes the shutdown once no worker remains and no
// queued work can still run.
func (c *ScheduledCore) tryTerminate() {
	for {
		st := c.runState.Load()
		if st == stateRunning || st >= stateTidying {
			return
		}
		if st == stateShutdown && c.queue.Len() > 0 {
			return
		}
		if c.workers.Load() != 0 {
			return
		}
		if c.runState.CompareAndSwap(st, stateTidying) {
			c.runState.Store(stateTerminated)
			c.termination.CountDown()
			c.log.Info("scheduler terminated")
			return
		}
	}
}

// IsShutdown reports whether Shutdown or ShutdownNow has been called.
func (c *ScheduledCore) IsShutdown() bool {
	return c.runState.Load() != stateRunning
}

// IsTerminated reports whether shutdown completed and all workers
// exited.
func (c *ScheduledCore) IsTerminated() bool {
	return c.runState.Load() == stateTerminated
}

// AwaitTermination blocks until the scheduler terminates or ctx is done.
func (c *ScheduledCore) AwaitTermination(ctx context.Context) error {
	return c.termination.AwaitContext(ctx)
}

// ---------------------------------------------------------------------------
// Inspection

// QueueLen returns the number of tasks currently queued.
func (c *ScheduledCore) QueueLen() int {
	return c.queue.Len()
}

// PendingTasks returns a snapshot of the queued tasks. Iteration order
// carries no execution-order guarantee.
func (c *ScheduledCore) PendingTasks() []*ScheduledTask {
	out := make([]*ScheduledTask, 0, c.pending.Size())
	c.pending.Range(func(_ int64, t *ScheduledTask) bool {
		out = append(out, t)
		return true
	})
	return out
}

// Queue exposes the underlying delay heap for inspection.
func (c *ScheduledCore) Queue() *DelayHeap {
	return c.queue
}
