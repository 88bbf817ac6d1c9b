package sched

import "errors"

var (
	// ErrUnsupported is returned by New on platforms without an epoll-style poller.
	ErrUnsupported = errors.New("sched: platform not supported")
	// ErrInvalidFD is returned when a descriptor is negative or rejected by the poller.
	ErrInvalidFD = errors.New("sched: invalid file descriptor")
	// ErrInvalidPID is returned for non-positive pids.
	ErrInvalidPID = errors.New("sched: invalid pid")
	// ErrSlotBusy is returned when an fd already has a task waiting in the same direction.
	ErrSlotBusy = errors.New("sched: direction already has a waiting task")
	// ErrChildTracked is returned when a pid is already awaited by another task.
	ErrChildTracked = errors.New("sched: pid already tracked")
	// ErrStaleHandle is returned when a handle refers to a retired task.
	ErrStaleHandle = errors.New("sched: stale task handle")
	// ErrNotWaiting is returned when an operation needs a task that is still waiting.
	ErrNotWaiting = errors.New("sched: task is not waiting")
	// ErrExhausted is returned when the task arena reached its configured capacity.
	ErrExhausted = errors.New("sched: task records exhausted")
	// ErrDestroyed is returned by operations on a destroyed scheduler.
	ErrDestroyed = errors.New("sched: scheduler destroyed")
	// ErrFatalStop is returned by Run when a callback answered FatalStop.
	ErrFatalStop = errors.New("sched: fatal stop requested")
)
