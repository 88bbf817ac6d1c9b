package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"reactord/internal/job"
	"reactord/internal/sched"
	"reactord/internal/signals"
)

const (
	respawnMin = time.Second
	respawnMax = 30 * time.Second
)

// daemon supervises a set of shell commands on one scheduler.
type daemon struct {
	cfg      sched.Config
	path     string
	commands []string
	log      *slog.Logger

	s     *sched.Scheduler
	relay *signals.Relay

	heartbeat sched.Handle
	grace     sched.Handle
	children  map[int]string // pid -> command
	stopping  bool
}

func newDaemon(cfg sched.Config, path string, commands []string, log *slog.Logger) (*daemon, error) {
	s, err := sched.New(cfg, sched.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	d := &daemon{
		cfg:      cfg,
		path:     path,
		commands: commands,
		log:      log,
		s:        s,
		children: make(map[int]string),
	}
	d.relay, err = signals.Install(s, log, signals.Handlers{
		Terminate: d.onTerminate,
		Reload:    d.reload,
	})
	if err != nil {
		s.Destroy()
		return nil, err
	}
	if err := d.start(); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

// start registers the heartbeat and spawns every supervised command.
func (d *daemon) start() error {
	h, err := d.s.AddTimer(job.Every(d.cfg.Heartbeat(), d.beat), nil, d.cfg.Heartbeat())
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	d.heartbeat = h
	for _, c := range d.commands {
		if err := d.spawn(c); err != nil {
			d.log.Error("spawn failed", "command", c, "error", err)
			d.retry(c)
		}
	}
	return nil
}

func (d *daemon) run(ctx context.Context) error {
	d.log.Info("reactord started", "pid", os.Getpid(), "children", len(d.children))
	err := d.s.Run(ctx)
	d.log.Info("reactord stopped", "error", err)
	return err
}

func (d *daemon) close() {
	if err := d.relay.Close(); err != nil {
		d.log.Warn("closing signal relay", "error", err)
	}
	if err := d.s.Destroy(); err != nil {
		d.log.Warn("destroying scheduler", "error", err)
	}
}

func (d *daemon) beat(sched.View) bool {
	st := d.s.Stats()
	d.log.Debug("heartbeat",
		"live", st.Live,
		"waiting", st.Waiting,
		"children", st.Children,
		"dispatched", st.Dispatched)
	return true
}

func (d *daemon) spawn(command string) error {
	pid, _, err := job.Spawn(d.s, []string{"/bin/sh", "-c", command}, sched.NoTimeout, d.onChild)
	if err != nil {
		return err
	}
	d.children[pid] = command
	d.log.Info("child started", "pid", pid, "command", command)
	return nil
}

// retry respawns command with a growing delay until it starts.
func (d *daemon) retry(command string) {
	cb := job.Backoff(respawnMin, respawnMax, func(sched.View) error {
		if d.stopping {
			return nil
		}
		return d.spawn(command)
	}, func(err error, wait time.Duration) {
		d.log.Warn("respawn failed", "command", command, "retry_in", wait, "error", err)
	})
	if _, err := d.s.AddTimer(cb, nil, respawnMin); err != nil {
		d.log.Error("cannot schedule respawn", "command", command, "error", err)
	}
}

func (d *daemon) onChild(v sched.View) sched.Signal {
	command, ok := d.children[v.PID()]
	if !ok {
		return sched.Continue
	}
	delete(d.children, v.PID())
	d.log.Info("child exited", "pid", v.PID(), "command", command, "code", job.ExitCode(v.Status()))
	if !d.stopping {
		d.retry(command)
	}
	return sched.Continue
}

// onTerminate runs as the start-terminate event: children get SIGTERM and
// the grace period to exit before SIGKILL.
func (d *daemon) onTerminate(sched.View) sched.Signal {
	d.stopping = true
	grace := d.cfg.ShutdownGrace()
	d.log.Info("shutting down", "children", len(d.children), "grace", grace)

	h, err := d.s.AddShutdownTimer(d.onGraceExpired, nil, grace)
	if err != nil {
		d.log.Error("cannot schedule shutdown", "error", err)
		d.s.Stop()
		return sched.Continue
	}
	d.grace = h

	for pid := range d.children {
		if err := unix.Kill(pid, unix.SIGTERM); err != nil {
			d.log.Warn("signalling child", "pid", pid, "error", err)
		}
	}
	d.s.ChildrenReschedule(d.onChildStopping, grace)
	if len(d.children) == 0 {
		d.s.UpdateTimer(d.grace, 0)
	}
	return sched.Continue
}

func (d *daemon) onChildStopping(v sched.View) sched.Signal {
	pid := v.PID()
	if v.Kind == sched.KindChildTimeout {
		d.log.Warn("child ignored SIGTERM, killing", "pid", pid)
		if err := job.Kill(v, unix.SIGKILL); err != nil {
			d.log.Warn("killing child", "pid", pid, "error", err)
		}
	} else {
		d.log.Info("child stopped", "pid", pid, "code", job.ExitCode(v.Status()))
	}
	delete(d.children, pid)
	if len(d.children) == 0 {
		d.s.UpdateTimer(d.grace, 0)
	}
	return sched.Continue
}

func (d *daemon) onGraceExpired(sched.View) sched.Signal {
	if _, err := d.s.AddTerminateEvent(); err != nil {
		d.log.Error("cannot queue terminate", "error", err)
		d.s.Stop()
	}
	return sched.Continue
}

// reload rereads the configuration, restarts the heartbeat with the new
// interval and writes the loop state to stdout.
func (d *daemon) reload() {
	if d.path != "" {
		d.cfg = sched.Load(d.path)
	}
	d.s.Cancel(d.heartbeat)
	h, err := d.s.AddTimer(job.Every(d.cfg.Heartbeat(), d.beat), nil, d.cfg.Heartbeat())
	if err != nil {
		d.log.Error("heartbeat", "error", err)
	} else {
		d.heartbeat = h
	}
	if err := d.s.Dump(os.Stdout); err != nil {
		d.log.Warn("dumping state", "error", err)
	}
}
