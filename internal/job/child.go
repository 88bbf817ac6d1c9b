package job

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"reactord/internal/sched"
)

// Spawn starts argv as a child process and registers it with s. The callback
// sees ChildTerminated with the raw wait status, or ChildTimeout when timeout
// passes first; the process is not killed on timeout.
//
// Children are reaped by whoever calls NotifyChildExited (see package signals),
// so Spawn must run on the loop goroutine or before Run starts.
func Spawn(s *sched.Scheduler, argv []string, timeout time.Duration, cb sched.Callback) (int, sched.Handle, error) {
	if len(argv) == 0 {
		return 0, sched.Handle{}, fmt.Errorf("spawn: empty command")
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return 0, sched.Handle{}, fmt.Errorf("spawn %s: %w", argv[0], err)
	}
	proc, err := os.StartProcess(path, argv, &os.ProcAttr{
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
	})
	if err != nil {
		return 0, sched.Handle{}, fmt.Errorf("spawn %s: %w", argv[0], err)
	}
	pid := proc.Pid
	if err := proc.Release(); err != nil {
		return pid, sched.Handle{}, fmt.Errorf("spawn %s: release: %w", argv[0], err)
	}

	h, err := s.AddChild(cb, argv, pid, timeout)
	if err != nil {
		_ = unix.Kill(pid, unix.SIGKILL)
		return pid, sched.Handle{}, fmt.Errorf("spawn %s: %w", argv[0], err)
	}
	return pid, h, nil
}

// ExitCode decodes a raw wait status: the exit status for a normal exit,
// 128+signal for a child killed by a signal, -1 otherwise.
func ExitCode(status int) int {
	ws := unix.WaitStatus(status)
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	default:
		return -1
	}
}

// Kill sends sig to the child behind a Child task view.
func Kill(v sched.View, sig unix.Signal) error {
	pid := v.PID()
	if pid <= 0 {
		return fmt.Errorf("kill: task %d has no pid", v.ID)
	}
	return unix.Kill(pid, sig)
}
