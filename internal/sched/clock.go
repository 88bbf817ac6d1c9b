// internal/sched/clock.go

package sched

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Deadline is a point on the scheduler's monotonic clock, in nanoseconds since
// the clock was created. Deadlines are totally ordered and Never sorts last.
type Deadline int64

// Never is the deadline of a task that does not expire.
const Never Deadline = math.MaxInt64

// NoTimeout passed as a timeout or delay means "wait without a deadline".
const NoTimeout time.Duration = -1

// IsNever reports whether d is the Never sentinel.
func (d Deadline) IsNever() bool { return d == Never }

// Add returns d shifted by dur. Never stays Never, and the result saturates
// instead of overflowing into Never.
func (d Deadline) Add(dur time.Duration) Deadline {
	if d == Never {
		return Never
	}
	if dur > 0 && int64(d) > math.MaxInt64-1-int64(dur) {
		return Never - 1
	}
	return d + Deadline(dur)
}

// Sub returns the duration d-o.
func (d Deadline) Sub(o Deadline) time.Duration { return time.Duration(d - o) }

func (d Deadline) String() string {
	if d == Never {
		return "never"
	}
	return fmt.Sprintf("+%s", time.Duration(d))
}

// Clock is the monotonic "now" source used for all deadline comparisons.
type Clock interface {
	Now() Deadline
}

// monotonicClock reads Go's monotonic clock relative to its creation.
type monotonicClock struct {
	base time.Time
}

// NewMonotonicClock returns the clock the scheduler uses by default.
func NewMonotonicClock() Clock {
	return monotonicClock{base: time.Now()}
}

func (c monotonicClock) Now() Deadline { return Deadline(time.Since(c.base)) }

// ManualClock only moves when Advance is called. It is meant for tests
// that drive the timer sweep with synthetic time.
type ManualClock struct {
	mu  sync.Mutex
	now Deadline
}

// NewManualClock creates a manual clock starting at start.
func NewManualClock(start Deadline) *ManualClock {
	return &ManualClock{now: start}
}

// Now implements Clock.
func (c *ManualClock) Now() Deadline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward. Negative durations are ignored.
func (c *ManualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
