package sched

import "time"

// interest is the set of directions an fd is registered for.
type interest uint8

const (
	interestRead interest = 1 << iota
	interestWrite
)

// readiness is one multiplexer notification, already decoded.
type readiness struct {
	fd    int
	read  bool
	write bool
	err   bool // error or hang-up reported instead of plain readiness
}

// poller is the OS readiness multiplexer. Level-triggered semantics per fd
// and direction are all the scheduler relies on.
type poller interface {
	add(fd int, in interest) error
	modify(fd int, in interest) error
	remove(fd int) error
	// wait blocks up to timeout (negative blocks indefinitely) and fills events.
	wait(events []readiness, timeout time.Duration) (int, error)
	close() error
}

// timerSource becomes readable through the poller when its deadline passes.
type timerSource interface {
	fd() int
	arm(after time.Duration) error
	disarm() error
	drain() error
	close() error
}

// wakeSource lets another goroutine interrupt a blocked wait.
type wakeSource interface {
	fd() int
	wake() error
	drain() error
	close() error
}
