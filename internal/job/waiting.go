package job

import (
	"time"

	"reactord/internal/sched"
)

// Every returns a Timer callback that runs fn and waits interval before
// running it again. Returning false from fn stops the cycle.
func Every(interval time.Duration, fn func(sched.View) bool) sched.Callback {
	return func(v sched.View) sched.Signal {
		if !fn(v) {
			return sched.Continue
		}
		return sched.RescheduleIn(interval)
	}
}

// Once wraps fn as a callback that runs a single time.
func Once(fn func(sched.View)) sched.Callback {
	return func(v sched.View) sched.Signal {
		fn(v)
		return sched.Continue
	}
}

// Backoff returns a Timer callback that retries fn with a doubling delay,
// starting at initial and capped at limit, until fn succeeds.
func Backoff(initial, limit time.Duration, fn func(sched.View) error, onErr func(error, time.Duration)) sched.Callback {
	delay := initial
	return func(v sched.View) sched.Signal {
		err := fn(v)
		if err == nil {
			delay = initial
			return sched.Continue
		}
		wait := delay
		if delay *= 2; delay > limit {
			delay = limit
		}
		if onErr != nil {
			onErr(err, wait)
		}
		return sched.RescheduleIn(wait)
	}
}
