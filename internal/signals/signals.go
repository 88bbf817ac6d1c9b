// Package signals brings process signals onto the scheduler's loop
// goroutine. A goroutine forwards each signal as one byte on a self-pipe
// whose read end is an ordinary essential Read task, so reaping children and
// starting shutdown happen between dispatches like any other work.
package signals

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"

	"reactord/internal/sched"
)

// Handlers says what to do for each signal.
type Handlers struct {
	// Terminate runs as the start-terminate event on the first SIGTERM or SIGINT.
	Terminate sched.Callback
	// Reload runs on SIGHUP.
	Reload func()
	// Reaped observes every child collected on SIGCHLD, tracked or not.
	Reaped func(pid, status int)
}

// Relay owns the self-pipe and the signal subscription.
type Relay struct {
	s   *sched.Scheduler
	log *slog.Logger
	h   Handlers

	r, w int
	ch   chan os.Signal
	done chan struct{}
	task sched.Handle

	terminating bool
	closeOnce   sync.Once
}

var watched = []os.Signal{unix.SIGCHLD, unix.SIGTERM, unix.SIGINT, unix.SIGHUP}

// Install subscribes to SIGCHLD, SIGTERM, SIGINT and SIGHUP and registers the
// relay with s. It must be called on the loop goroutine or before Run.
func Install(s *sched.Scheduler, log *slog.Logger, h Handlers) (*Relay, error) {
	if log == nil {
		log = slog.Default()
	}
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("signals: self-pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("signals: self-pipe: %w", err)
		}
	}

	rl := &Relay{
		s:    s,
		log:  log.With("component", "signals"),
		h:    h,
		r:    p[0],
		w:    p[1],
		ch:   make(chan os.Signal, 16),
		done: make(chan struct{}),
	}
	task, err := s.AddRead(rl.r, rl.onReadable, nil, sched.NoTimeout, sched.Essential())
	if err != nil {
		unix.Close(rl.r)
		unix.Close(rl.w)
		return nil, fmt.Errorf("signals: register self-pipe: %w", err)
	}
	rl.task = task

	signal.Notify(rl.ch, watched...)
	go rl.forward()
	return rl, nil
}

// Attach registers the self-pipe again if Cleanup retired it.
func (rl *Relay) Attach() error {
	if _, ok := rl.s.Lookup(rl.task); ok {
		return nil
	}
	task, err := rl.s.AddRead(rl.r, rl.onReadable, nil, sched.NoTimeout, sched.Essential())
	if err != nil {
		return fmt.Errorf("signals: register self-pipe: %w", err)
	}
	rl.task = task
	return nil
}

// forward runs off the loop: it only writes to the pipe.
func (rl *Relay) forward() {
	defer close(rl.done)
	for sig := range rl.ch {
		num, ok := sig.(unix.Signal)
		if !ok {
			continue
		}
		for {
			_, err := unix.Write(rl.w, []byte{byte(num)})
			if errors.Is(err, unix.EINTR) {
				continue
			}
			// A full pipe already holds a wakeup; SIGCHLD reaping drains every child anyway.
			break
		}
	}
}

func (rl *Relay) onReadable(v sched.View) sched.Signal {
	if v.Kind == sched.KindReadError {
		rl.log.Error("self-pipe failed, signals are no longer delivered")
		return sched.Continue
	}
	var buf [64]byte
	for {
		n, err := unix.Read(rl.r, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n <= 0 {
			break
		}
		for _, b := range buf[:n] {
			rl.handle(unix.Signal(b))
		}
	}
	return sched.Reschedule(sched.Never)
}

func (rl *Relay) handle(sig unix.Signal) {
	switch sig {
	case unix.SIGCHLD:
		rl.reap()
	case unix.SIGTERM, unix.SIGINT:
		if rl.terminating {
			rl.log.Debug("already shutting down", "signal", sig)
			return
		}
		rl.terminating = true
		rl.log.Info("terminating", "signal", sig)
		if _, err := rl.s.AddStartTerminateEvent(rl.h.Terminate); err != nil {
			rl.log.Error("cannot queue shutdown", "error", err)
		}
	case unix.SIGHUP:
		rl.log.Info("reload requested")
		if rl.h.Reload != nil {
			rl.h.Reload()
		}
	}
}

// reap collects every exited child without blocking.
func (rl *Relay) reap() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || pid <= 0 {
			return
		}
		rl.log.Debug("child reaped", "pid", pid, "status", int(ws))
		if rl.h.Reaped != nil {
			rl.h.Reaped(pid, int(ws))
		}
		rl.s.NotifyChildExited(pid, int(ws))
	}
}

// Close stops signal delivery, cancels the relay task and closes the pipe.
// Like Install it belongs on the loop goroutine or after Run returns.
func (rl *Relay) Close() error {
	var err error
	rl.closeOnce.Do(func() {
		signal.Stop(rl.ch)
		close(rl.ch)
		<-rl.done
		rl.s.Cancel(rl.task)
		err = errors.Join(unix.Close(rl.r), unix.Close(rl.w))
	})
	return err
}
