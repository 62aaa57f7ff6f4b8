package synq

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestCore(t *testing.T, workers int, opts ...CoreOption) *ScheduledCore {
	t.Helper()
	c := NewScheduledCore(workers, opts...)
	t.Cleanup(func() {
		c.ShutdownNow()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.AwaitTermination(ctx)
	})
	return c
}

func TestScheduleRunsOnce(t *testing.T) {
	c := newTestCore(t, 2)

	var runs atomic.Int32
	start := time.Now()
	fut, err := c.Schedule(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, 50*time.Millisecond)
	require.NoError(t, err)

	_, err = fut.Get(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	assert.True(t, fut.IsDone())
	assert.False(t, fut.IsCancelled())
	assert.False(t, fut.IsPeriodic())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "one-shot task ran more than once")
}

func TestScheduleCallableResult(t *testing.T) {
	c := newTestCore(t, 1)

	fut, err := c.ScheduleCallable(func(ctx context.Context) (any, error) {
		return 42, nil
	}, 10*time.Millisecond)
	require.NoError(t, err)

	v, err := fut.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestScheduleArgumentErrors(t *testing.T) {
	c := newTestCore(t, 1)

	_, err := c.Schedule(nil, time.Second)
	assert.ErrorIs(t, err, ErrNilTask)

	noop := func(ctx context.Context) error { return nil }
	_, err = c.ScheduleAtFixedRate(noop, 0, 0)
	assert.ErrorIs(t, err, ErrNonPositivePeriod)
	_, err = c.ScheduleWithFixedDelay(noop, 0, -time.Second)
	assert.ErrorIs(t, err, ErrNonPositivePeriod)
}

func TestFixedRateCadence(t *testing.T) {
	c := newTestCore(t, 2)

	const period = 100 * time.Millisecond
	start := time.Now()
	starts := make(chan time.Duration, 16)

	fut, err := c.ScheduleAtFixedRate(func(ctx context.Context) error {
		select {
		case starts <- time.Since(start):
		default:
		}
		// Work shorter than the period must not push triggers back.
		time.Sleep(30 * time.Millisecond)
		return nil
	}, period, period)
	require.NoError(t, err)
	require.True(t, fut.IsPeriodic())

	for i := range 4 {
		select {
		case s := <-starts:
			expected := time.Duration(i+1) * period
			assert.GreaterOrEqual(t, s, expected-20*time.Millisecond,
				"run %d started at %v, expected ~%v", i, s, expected)
			assert.Less(t, s, expected+200*time.Millisecond,
				"run %d drifted: started at %v, expected ~%v", i, s, expected)
		case <-time.After(5 * time.Second):
			t.Fatal("periodic task stalled")
		}
	}
	fut.Cancel(false)
}

func TestFixedDelaySpacing(t *testing.T) {
	c := newTestCore(t, 2)

	const delay = 100 * time.Millisecond
	const work = 50 * time.Millisecond
	start := time.Now()
	startc := make(chan time.Duration, 16)

	fut, err := c.ScheduleWithFixedDelay(func(ctx context.Context) error {
		select {
		case startc <- time.Since(start):
		default:
		}
		time.Sleep(work)
		return nil
	}, delay, delay)
	require.NoError(t, err)

	var starts []time.Duration
	for range 3 {
		select {
		case s := <-startc:
			starts = append(starts, s)
		case <-time.After(5 * time.Second):
			t.Fatal("fixed-delay task did not reach 3 runs")
		}
	}
	fut.Cancel(false)

	// Consecutive starts must be separated by at least work+delay.
	for i := 1; i < 3; i++ {
		gap := starts[i] - starts[i-1]
		assert.GreaterOrEqual(t, gap, work+delay-10*time.Millisecond,
			"gap %d = %v, want >= %v", i, gap, work+delay)
	}
}

func TestPeriodicNoOverlap(t *testing.T) {
	c := newTestCore(t, 4)

	var inside, peak atomic.Int32
	fut, err := c.ScheduleAtFixedRate(func(ctx context.Context) error {
		n := inside.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond) // outlast the period
		inside.Add(-1)
		return nil
	}, 10*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	fut.Cancel(false)
	assert.LessOrEqual(t, peak.Load(), int32(1), "periodic executions overlapped")
}

func TestPeriodicHappensBefore(t *testing.T) {
	c := newTestCore(t, 4)

	// Writes of run n must be visible to run n+1 without any
	// synchronization inside the payload.
	var plain int
	var bad atomic.Bool
	done := make(chan struct{})
	runs := 0
	fut, err := c.ScheduleAtFixedRate(func(ctx context.Context) error {
		if plain != runs {
			bad.Store(true)
		}
		plain++
		runs++
		if runs == 20 {
			close(done)
		}
		return nil
	}, time.Millisecond, time.Millisecond)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("periodic task stalled")
	}
	fut.Cancel(false)
	assert.False(t, bad.Load(), "prior run's writes were not visible")
}

func TestPeriodicStopsOnError(t *testing.T) {
	c := newTestCore(t, 1)

	var runs atomic.Int32
	boom := errors.New("boom")
	fut, err := c.ScheduleAtFixedRate(func(ctx context.Context) error {
		if runs.Add(1) == 2 {
			return boom
		}
		return nil
	}, 10*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)

	_, err = fut.Get(context.Background())
	assert.ErrorIs(t, err, boom)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), runs.Load(), "periodic task kept running after an error")
}

func TestTaskPanicIsContained(t *testing.T) {
	c := newTestCore(t, 1)

	fut, err := c.Schedule(func(ctx context.Context) error {
		panic("kaboom")
	}, 10*time.Millisecond)
	require.NoError(t, err)

	_, err = fut.Get(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	// The worker must have survived the panic.
	fut2, err := c.Schedule(func(ctx context.Context) error { return nil }, 10*time.Millisecond)
	require.NoError(t, err)
	_, err = fut2.Get(context.Background())
	assert.NoError(t, err)
}

func TestCancelBeforeTrigger(t *testing.T) {
	c := newTestCore(t, 1)

	var ran atomic.Bool
	fut, err := c.Schedule(func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}, 10*time.Second)
	require.NoError(t, err)

	require.True(t, fut.Cancel(false))
	assert.True(t, fut.IsCancelled())
	assert.True(t, fut.IsDone())

	_, err = fut.Get(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.False(t, ran.Load())
	assert.False(t, fut.Cancel(false), "second cancel succeeded")
}

func TestCancelWithRemoval(t *testing.T) {
	c := newTestCore(t, 1, WithRemoveOnCancel(true))

	before := c.QueueLen()
	fut, err := c.Schedule(func(ctx context.Context) error { return nil }, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, before+1, c.QueueLen())

	require.True(t, fut.Cancel(false))
	assert.Equal(t, before, c.QueueLen(), "cancelled task not removed from the heap")
}

func TestCancelWithoutRemovalLeavesTask(t *testing.T) {
	c := newTestCore(t, 1)

	fut, err := c.Schedule(func(ctx context.Context) error { return nil }, 10*time.Second)
	require.NoError(t, err)
	require.True(t, fut.Cancel(false))
	assert.Equal(t, 1, c.QueueLen(), "task should lapse in place without remove-on-cancel")
}

func TestCancelInterruptsRunningTask(t *testing.T) {
	c := newTestCore(t, 1)

	started := make(chan struct{})
	observed := make(chan error, 1)
	fut, err := c.Schedule(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		observed <- ctx.Err()
		return ctx.Err()
	}, 10*time.Millisecond)
	require.NoError(t, err)

	<-started
	fut.Cancel(true)
	select {
	case err := <-observed:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("running task never observed interruption")
	}
}

func TestFIFOForEqualTriggers(t *testing.T) {
	c := newTestCore(t, 1)

	const n = 10
	var order []int
	done := make(chan struct{})
	for i := range n {
		_, err := c.Schedule(func(ctx context.Context) error {
			order = append(order, i)
			if len(order) == n {
				close(done)
			}
			return nil
		}, 0)
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not all run")
	}
	for i, got := range order {
		require.Equal(t, i, got, "submission order violated: %v", order)
	}
}

func TestRejectAfterShutdown(t *testing.T) {
	c := NewScheduledCore(1)
	c.Shutdown()
	_, err := c.Schedule(func(ctx context.Context) error { return nil }, time.Millisecond)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestShutdownRunsDelayedTasks(t *testing.T) {
	c := NewScheduledCore(1)

	var ran atomic.Bool
	fut, err := c.Schedule(func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}, 100*time.Millisecond)
	require.NoError(t, err)

	c.Shutdown()
	require.True(t, c.IsShutdown())

	_, err = fut.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, ran.Load(), "delayed one-shot should run after shutdown by default")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.AwaitTermination(ctx))
	assert.True(t, c.IsTerminated())
}

func TestShutdownDropsDelayedTasksWhenDisallowed(t *testing.T) {
	c := NewScheduledCore(1, WithExecuteDelayedAfterShutdown(false))

	var ran atomic.Bool
	fut, err := c.Schedule(func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}, 100*time.Millisecond)
	require.NoError(t, err)

	c.Shutdown()
	assert.True(t, fut.IsCancelled())
	assert.Equal(t, 0, c.QueueLen())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.AwaitTermination(ctx))
	assert.False(t, ran.Load())
}

func TestShutdownCancelsPeriodicTasks(t *testing.T) {
	c := NewScheduledCore(1)

	fut, err := c.ScheduleAtFixedRate(func(ctx context.Context) error {
		return nil
	}, time.Hour, time.Hour)
	require.NoError(t, err)

	c.Shutdown()
	assert.True(t, fut.IsCancelled(), "periodic task should be cancelled at shutdown")
	assert.Equal(t, 0, c.QueueLen())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.AwaitTermination(ctx))
}

func TestShutdownKeepsPeriodicWhenAllowed(t *testing.T) {
	c := NewScheduledCore(1, WithContinuePeriodicAfterShutdown(true))

	var runs atomic.Int32
	fut, err := c.ScheduleAtFixedRate(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, 20*time.Millisecond, 20*time.Millisecond)
	require.NoError(t, err)

	c.Shutdown()
	time.Sleep(150 * time.Millisecond)
	assert.Greater(t, runs.Load(), int32(1), "periodic task should survive shutdown under the keep policy")
	assert.False(t, fut.IsCancelled())

	c.ShutdownNow()
}

func TestPolicyTightenedAfterShutdown(t *testing.T) {
	c := NewScheduledCore(1, WithContinuePeriodicAfterShutdown(true))

	fut, err := c.ScheduleAtFixedRate(func(ctx context.Context) error {
		return nil
	}, time.Hour, time.Hour)
	require.NoError(t, err)

	c.Shutdown()
	require.False(t, fut.IsCancelled())

	c.SetContinuePeriodicAfterShutdown(false)
	assert.True(t, fut.IsCancelled(), "tightening the policy after shutdown should cancel the task")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.AwaitTermination(ctx))
}

func TestShutdownNowReturnsPending(t *testing.T) {
	c := NewScheduledCore(2)

	for range 3 {
		_, err := c.Schedule(func(ctx context.Context) error { return nil }, time.Hour)
		require.NoError(t, err)
	}
	dropped := c.ShutdownNow()
	assert.Len(t, dropped, 3)
	assert.Equal(t, 0, c.QueueLen())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.AwaitTermination(ctx))
}

func TestPendingTasksInspection(t *testing.T) {
	c := newTestCore(t, 1)

	fut, err := c.Schedule(func(ctx context.Context) error { return nil }, time.Hour)
	require.NoError(t, err)

	pending := c.PendingTasks()
	require.Len(t, pending, 1)
	assert.Same(t, fut, pending[0])
	assert.Greater(t, pending[0].Delay(), time.Duration(0))
}

func TestTaskDecoratorIsApplied(t *testing.T) {
	var decorated atomic.Int32
	c := newTestCore(t, 1, WithTaskDecorator(func(task *ScheduledTask) *ScheduledTask {
		decorated.Add(1)
		return task
	}))

	fut, err := c.Schedule(func(ctx context.Context) error { return nil }, time.Millisecond)
	require.NoError(t, err)
	_, err = fut.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), decorated.Load())
}

func TestWithWorkersOption(t *testing.T) {
	// The option overrides the positional worker count.
	c := newTestCore(t, 1, WithWorkers(2))

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for range 2 {
		_, err := c.Schedule(func(ctx context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		}, time.Millisecond)
		require.NoError(t, err)
	}

	// Both tasks must start, which requires two live workers.
	for i := range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			close(release)
			t.Fatalf("only %d task(s) started; worker override not applied", i)
		}
	}
	close(release)
}

func TestSchedulerLogging(t *testing.T) {
	// Lifecycle logging must not interfere with operation.
	c := NewScheduledCore(1, WithLogger(slog.New(slog.DiscardHandler)))
	fut, err := c.Schedule(func(ctx context.Context) error { return nil }, time.Millisecond)
	require.NoError(t, err)
	_, err = fut.Get(context.Background())
	require.NoError(t, err)
	c.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.AwaitTermination(ctx))
}

func TestConcurrentSubmission(t *testing.T) {
	c := newTestCore(t, 4)

	var runs atomic.Int32
	var g errgroup.Group
	const submitters = 8
	const perSubmitter = 25
	for range submitters {
		g.Go(func() error {
			for range perSubmitter {
				fut, err := c.Schedule(func(ctx context.Context) error {
					runs.Add(1)
					return nil
				}, time.Duration(runs.Load()%5)*time.Millisecond)
				if err != nil {
					return err
				}
				if _, err := fut.Get(context.Background()); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(submitters*perSubmitter), runs.Load())
}

func TestGetWithContextDeadline(t *testing.T) {
	c := newTestCore(t, 1)

	fut, err := c.Schedule(func(ctx context.Context) error { return nil }, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = fut.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
