// Package synq provides low-level building blocks for blocking
// synchronization primitives and delayed task execution.
//
// The center of the package is [Synchronizer], an acquire/release engine
// built on a single atomic state word and an intrusive FIFO wait queue.
// Concrete primitives ([Mutex], [Semaphore], [Latch], or user-defined ones)
// are expressed by supplying an [Ops] implementation that interprets the
// state word; the engine supplies queuing, parking, cancellation, timed
// waits and condition queues.
//
// On top of the framework, [ScheduledCore] is a small scheduled executor:
// one-shot and periodic tasks ordered by a [DelayHeap] (an indexed binary
// min-heap with O(log n) cancellation) and dispatched to a fixed set of
// worker goroutines using leader/follower timed waits.
package synq

import "github.com/synqio/synq/internal/opt"

// CacheLineSize is the detected CPU cache line size, used for padding of
// contended structures.
const CacheLineSize = opt.CacheLineSize_
