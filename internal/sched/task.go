package sched

import (
	"fmt"
	"time"
)

// Handle is a stable reference to a task. A handle stops resolving once the
// task is retired, even if its record is reused by a later registration.
type Handle struct {
	slot uint32
	gen  uint32
}

// IsZero reports whether h was never issued by a scheduler.
func (h Handle) IsZero() bool { return h.gen == 0 }

func (h Handle) String() string { return fmt.Sprintf("%d/%d", h.slot, h.gen) }

// Payload is the kind-specific part of a task: FDPayload, ChildPayload or ValuePayload.
type Payload interface {
	isPayload()
}

// FDPayload belongs to Read and Write tasks.
type FDPayload struct {
	FD            int
	CloseOnRetire bool
}

// ChildPayload belongs to Child tasks. Status is the raw wait status.
type ChildPayload struct {
	PID    int
	Status int
}

// ValuePayload carries the plain integer of timers and events.
type ValuePayload struct {
	Value int
}

func (FDPayload) isPayload()    {}
func (ChildPayload) isPayload() {}
func (ValuePayload) isPayload() {}

type action uint8

const (
	actContinue action = iota
	actCancel
	actReschedule
	actFatalStop
)

// Signal is what a callback answers to tell the run loop what to do with its task.
type Signal struct {
	act      action
	deadline Deadline
	delay    time.Duration
	relative bool
}

var (
	// Continue retires the task.
	Continue = Signal{act: actContinue}
	// Cancel retires the task.
	Cancel = Signal{act: actCancel}
	// FatalStop retires the task and stops the run loop once the current batch drains.
	FatalStop = Signal{act: actFatalStop}
)

// Reschedule puts the task back on the wait path it came from with an absolute deadline.
func Reschedule(d Deadline) Signal {
	return Signal{act: actReschedule, deadline: d}
}

// RescheduleIn is Reschedule relative to the time the callback returns.
// NoTimeout reschedules without a deadline; other negative delays are due at once.
func RescheduleIn(d time.Duration) Signal {
	return Signal{act: actReschedule, delay: d, relative: true}
}

func (s Signal) String() string {
	switch s.act {
	case actContinue:
		return "continue"
	case actCancel:
		return "cancel"
	case actFatalStop:
		return "fatal_stop"
	case actReschedule:
		if s.relative {
			if s.delay == NoTimeout {
				return "reschedule(never)"
			}
			return fmt.Sprintf("reschedule(%s)", s.delay)
		}
		return fmt.Sprintf("reschedule(%s)", s.deadline)
	default:
		return "unknown"
	}
}

// Callback is invoked by the run loop with a read-only view of its task.
// Callbacks run on the loop goroutine and must not block.
type Callback func(View) Signal

// View is the read-only picture of a task handed to callbacks and Lookup.
type View struct {
	Handle   Handle
	ID       uint64
	Kind     Kind
	Arg      any
	Deadline Deadline
	Payload  Payload
}

// FD returns the descriptor of a Read/Write task, or -1.
func (v View) FD() int {
	if p, ok := v.Payload.(FDPayload); ok {
		return p.FD
	}
	return -1
}

// PID returns the pid of a Child task, or 0.
func (v View) PID() int {
	if p, ok := v.Payload.(ChildPayload); ok {
		return p.PID
	}
	return 0
}

// Status returns the raw wait status of a terminated child.
func (v View) Status() int {
	if p, ok := v.Payload.(ChildPayload); ok {
		return p.Status
	}
	return 0
}

// Value returns the integer payload of timers and events.
func (v View) Value() int {
	if p, ok := v.Payload.(ValuePayload); ok {
		return p.Value
	}
	return 0
}

// residence records the one structure that currently owns a task record.
type residence uint8

const (
	resFree residence = iota
	resWaiting
	resReady
	resRunning
)

func (r residence) String() string {
	switch r {
	case resFree:
		return "free"
	case resWaiting:
		return "waiting"
	case resReady:
		return "ready"
	case resRunning:
		return "running"
	default:
		return "unknown"
	}
}

// task is one recyclable record. Only the Scheduler mutates it.
type task struct {
	id     uint64
	gen    uint32
	kind   Kind
	origin Kind // kind the task was registered as
	where  residence

	cb  Callback
	arg any

	deadline Deadline
	seq      uint64 // wait-index tie breaker, fixed at insertion

	payload   Payload
	essential bool // still dispatched while shutting down
}

func (t *task) key() waitKey { return waitKey{deadline: t.deadline, seq: t.seq} }

func (t *task) fd() int {
	if p, ok := t.payload.(FDPayload); ok {
		return p.FD
	}
	return -1
}

func (t *task) pid() int {
	if p, ok := t.payload.(ChildPayload); ok {
		return p.PID
	}
	return 0
}

func (t *task) view(h Handle) View {
	return View{
		Handle:   h,
		ID:       t.id,
		Kind:     t.kind,
		Arg:      t.arg,
		Deadline: t.deadline,
		Payload:  t.payload,
	}
}
