package synq

import "errors"

// Errors returned (or raised via panic, for lock misuse) by package synq.
var (
	// ErrUnsupported is raised by the default [BaseOps] hooks. A
	// Synchronizer only supports the modes its Ops implement.
	ErrUnsupported = errors.New("synq: operation not supported by synchronizer ops")

	// ErrIllegalMonitorState is raised when a goroutine releases, signals
	// or awaits a synchronizer it does not hold exclusively.
	ErrIllegalMonitorState = errors.New("synq: synchronizer not held exclusively")

	// ErrRejected is returned by submissions to a scheduler that has been
	// shut down.
	ErrRejected = errors.New("synq: task rejected, scheduler is shut down")

	// ErrCancelled is returned by ScheduledTask.Get when the task was
	// cancelled before producing a result.
	ErrCancelled = errors.New("synq: task was cancelled")

	// ErrNilTask is returned when a nil function is submitted.
	ErrNilTask = errors.New("synq: nil task")

	// ErrNonPositivePeriod is returned when a fixed-rate or fixed-delay
	// schedule is requested with a period <= 0.
	ErrNonPositivePeriod = errors.New("synq: period must be positive")
)
