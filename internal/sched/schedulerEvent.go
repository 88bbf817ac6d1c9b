// internal/sched/schedulerEvent.go

package sched

import (
	"time"
)

// Kind tells where a task waits, or why it fired.
type Kind int

const (
	// Waiting kinds.
	KindRead Kind = iota
	KindWrite
	KindTimer
	KindShutdownTimer
	KindChild

	KindUnused

	// Ready-queue kinds.
	KindReady
	KindEvent
	KindWriteTimeout
	KindReadTimeout
	KindChildTimeout
	KindChildTerminated
	KindTerminateStart
	KindTerminate
	KindReadyFD
	KindReadError
	KindWriteError
)

// Waiting reports whether k denotes membership in a wait structure.
func (k Kind) Waiting() bool { return k <= KindChild }

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "READ"
	case KindWrite:
		return "WRITE"
	case KindTimer:
		return "TIMER"
	case KindShutdownTimer:
		return "TIMER_SHUTDOWN"
	case KindChild:
		return "CHILD"
	case KindUnused:
		return "UNUSED"
	case KindReady:
		return "READY"
	case KindEvent:
		return "EVENT"
	case KindWriteTimeout:
		return "WRITE_TIMEOUT"
	case KindReadTimeout:
		return "READ_TIMEOUT"
	case KindChildTimeout:
		return "CHILD_TIMEOUT"
	case KindChildTerminated:
		return "CHILD_TERMINATED"
	case KindTerminateStart:
		return "TERMINATE_START"
	case KindTerminate:
		return "TERMINATE"
	case KindReadyFD:
		return "READY_FD"
	case KindReadError:
		return "READ_ERROR"
	case KindWriteError:
		return "WRITE_ERROR"
	default:
		return "UNKNOWN"
	}
}

// DispatchEvent is recorded for every callback the run loop invokes.
type DispatchEvent struct {
	Time   time.Time
	TaskID uint64
	Kind   Kind
	Signal Signal
	Took   time.Duration
}
