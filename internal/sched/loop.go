package sched

import (
	"context"
	"fmt"
	"time"
)

// Run is the event loop: arm the timer source for the nearest deadline, block
// in the poller, translate readiness into ready tasks, dispatch them, repeat.
//
// It returns nil after Stop or a Terminate event, ctx.Err() when ctx is done,
// ErrFatalStop when a callback answered FatalStop, and nil once a shutdown
// started by AddStartTerminateEvent has no shutdown timer or child left.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.state == StateDestroyed {
		return ErrDestroyed
	}
	s.state = StateRunning
	defer func() {
		if s.state == StateRunning {
			s.state = StateInitialized
		}
	}()
	stopWatch := context.AfterFunc(ctx, s.Stop)
	defer stopWatch()

	for {
		if s.stopping.Swap(false) {
			return ctx.Err()
		}
		if err := s.poll(); err != nil {
			return err
		}
		res := s.dispatchBatch()
		switch {
		case s.state == StateDestroyed:
			return ErrDestroyed
		case res.fatal != nil:
			return res.fatal
		case res.terminate:
			return nil
		case s.shuttingDown && s.shutdownTimers == 0 && s.pids.size() == 0:
			s.log.Info("scheduler: shutdown complete")
			return nil
		}
	}
}

// Stop asks Run to return after the batch being dispatched. It is safe to
// call from any goroutine, and before Run starts.
func (s *Scheduler) Stop() {
	s.stopping.Store(true)
	// Destroy takes wakeMu before closing the wake source.
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	if s.wakeSrc != nil && !s.closed {
		if err := s.wakeSrc.wake(); err != nil {
			s.log.Warn("scheduler: wake failed", "error", err)
		}
	}
}

// armTimer points the timer source at the earliest finite deadline across
// the four wait indices, or disarms it.
func (s *Scheduler) armTimer() {
	next := Never
	for _, idx := range [...]*waitIndex{s.timerWait, s.writeWait, s.readWait, s.childWait} {
		if d := idx.earliest(); d < next {
			next = d
		}
	}
	if next == s.armed {
		return
	}
	var err error
	if next == Never {
		err = s.timerSrc.disarm()
	} else {
		err = s.timerSrc.arm(next.Sub(s.clock.Now()))
	}
	if err != nil {
		s.log.Warn("scheduler: arming timer source failed", "error", err)
		return
	}
	s.armed = next
}

// poll waits for readiness and moves fired fd tasks to the ready queue. With
// tasks already ready it only takes what is pending, so fds are not starved.
// The timer source is armed either way so due deadlines show up as readiness.
func (s *Scheduler) poll() error {
	s.armTimer()
	timeout := time.Duration(-1)
	if s.ready.len() > 0 {
		timeout = 0
	}
	n, err := s.poller.wait(s.events, timeout)
	if err != nil {
		if msg := err.Error(); msg != s.lastPollErr {
			s.lastPollErr = msg
			s.log.Warn("scheduler: poller wait error", "error", err)
		}
		if pollBackoff(err) {
			time.Sleep(time.Second)
		}
		return nil
	}
	s.lastPollErr = ""
	for i := 0; i < n; i++ {
		s.handleReadiness(s.events[i])
	}
	return nil
}

// handleReadiness fires the task of each ready direction of one fd. The other
// direction's task is left alone unless the fd reported an error.
func (s *Scheduler) handleReadiness(ev readiness) {
	reg, ok := s.io[ev.fd]
	if !ok {
		s.log.Debug("scheduler: readiness on unregistered fd", "fd", ev.fd)
		return
	}
	r, w := reg.read, reg.write
	if ev.err {
		if !r.IsZero() {
			s.fireIO(r, KindReadError)
		}
		if !w.IsZero() {
			s.fireIO(w, KindWriteError)
		}
		return
	}
	if ev.read {
		if r.IsZero() {
			s.log.Debug("scheduler: no read task bound on fd", "fd", ev.fd)
		} else {
			s.fireIO(r, KindReadyFD)
		}
	}
	if ev.write {
		if w.IsZero() {
			s.log.Debug("scheduler: no write task bound on fd", "fd", ev.fd)
		} else {
			s.fireIO(w, KindReadyFD)
		}
	}
}

func (s *Scheduler) fireIO(h Handle, kind Kind) {
	t := s.arena.get(h)
	if t == nil || t.where != resWaiting {
		return
	}
	s.indexFor(t.origin).remove(t.key())
	s.moveReady(h, t, kind)
}

// onTimer is the callback of the timer-source task.
func (s *Scheduler) onTimer(View) Signal {
	if err := s.timerSrc.drain(); err != nil {
		s.log.Error("scheduler: error reading timer source", "fd", s.timerSrc.fd(), "error", err)
	}
	s.armed = Never
	s.sweep(s.clock.Now())
	return Reschedule(Never)
}

// onWake is the callback of the wake-source task.
func (s *Scheduler) onWake(View) Signal {
	if err := s.wakeSrc.drain(); err != nil {
		s.log.Error("scheduler: error reading wake source", "fd", s.wakeSrc.fd(), "error", err)
	}
	return Reschedule(Never)
}

// sweep moves every task whose deadline is <= now to the ready queue, in
// deadline order within each index.
func (s *Scheduler) sweep(now Deadline) int {
	expire := func(kind Kind) func(Handle) {
		return func(h Handle) {
			if t := s.arena.get(h); t != nil {
				s.moveReady(h, t, kind)
			}
		}
	}
	n := s.readWait.popExpired(now, expire(KindReadTimeout))
	n += s.writeWait.popExpired(now, expire(KindWriteTimeout))
	n += s.timerWait.popExpired(now, expire(KindReady))
	n += s.childWait.popExpired(now, expire(KindChildTimeout))
	return n
}

func (s *Scheduler) readyValid(e readyEntry) bool {
	t := s.arena.get(e.h)
	return t != nil && t.where == resReady && t.seq == e.seq
}

type batchResult struct {
	fatal     error
	terminate bool
}

// dispatchBatch runs the tasks that were ready when it started. Tasks queued
// by those callbacks carry a later sequence number and wait for the next batch.
func (s *Scheduler) dispatchBatch() batchResult {
	var res batchResult
	limit := s.seq
	for {
		h, ok := s.ready.popUpTo(limit, s.readyValid)
		if !ok {
			break
		}
		t := s.arena.get(h)
		t.where = resRunning
		id, kind := t.id, t.kind

		if s.shuttingDown && !s.runsWhileShuttingDown(t) {
			s.retire(h, t)
			continue
		}

		sig := s.invoke(h, t)

		if kind == KindTerminateStart {
			s.log.Info("scheduler: shutting down")
			s.shuttingDown = true
		}
		if kind == KindTerminate {
			res.terminate = true
		}
		if sig.act == actFatalStop && res.fatal == nil {
			res.fatal = fmt.Errorf("%w: task %d", ErrFatalStop, id)
		}

		// The callback may have cancelled its own task.
		if s.arena.get(h) != t {
			continue
		}
		if sig.act == actReschedule {
			s.rearm(h, t, sig)
			continue
		}
		s.retire(h, t)
	}
	return res
}

func (s *Scheduler) runsWhileShuttingDown(t *task) bool {
	if t.essential {
		return true
	}
	switch t.kind {
	case KindChildTimeout, KindChildTerminated, KindShutdownTimer, KindTerminate:
		return true
	}
	return false
}

func (s *Scheduler) invoke(h Handle, t *task) Signal {
	if t.cb == nil {
		return Continue
	}
	id, kind := t.id, t.kind
	start := time.Now()
	sig := t.cb(t.view(h))
	s.dispatched++
	s.trace(DispatchEvent{Time: start, TaskID: id, Kind: kind, Signal: sig, Took: time.Since(start)})
	return sig
}

// rearm puts a dispatched task back on the wait path of its origin kind.
func (s *Scheduler) rearm(h Handle, t *task, sig Signal) {
	if !t.origin.Waiting() {
		s.log.Warn("scheduler: reschedule of a task that never waited", "id", t.id, "kind", t.kind)
		s.retire(h, t)
		return
	}
	deadline := sig.deadline
	if sig.relative {
		deadline = s.after(sig.delay)
	}
	switch t.origin {
	case KindRead, KindWrite:
		fd := t.fd()
		if err := s.attachIO(fd, kindDirection(t.origin), h); err != nil {
			s.log.Info("scheduler: cannot re-register fd", "id", t.id, "fd", fd, "error", err)
			s.retire(h, t)
			return
		}
	case KindChild:
		if _, tracked := s.pids.lookup(t.pid()); tracked {
			s.log.Info("scheduler: pid already tracked", "id", t.id, "pid", t.pid())
			s.retire(h, t)
			return
		}
	}
	t.deadline = deadline
	s.enterWait(h, t)
}
