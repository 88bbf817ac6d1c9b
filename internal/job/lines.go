package job

import (
	"bytes"
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"reactord/internal/sched"
)

// LineHandler receives the input of a Lines reader.
type LineHandler struct {
	Line  func(line []byte)
	Idle  func() // the read timed out with nothing received
	Close func(err error)
}

// Lines returns a Read callback that splits whatever is readable on the task's
// fd into newline-terminated lines. The task keeps waiting with idle as its
// timeout until the fd reports EOF or an error; a trailing partial line is
// delivered before Close.
func Lines(idle time.Duration, h LineHandler) sched.Callback {
	var pending []byte
	buf := make([]byte, 4096)

	finish := func(err error) sched.Signal {
		if len(pending) > 0 && h.Line != nil {
			h.Line(pending)
		}
		pending = nil
		if h.Close != nil {
			h.Close(err)
		}
		return sched.Continue
	}

	return func(v sched.View) sched.Signal {
		switch v.Kind {
		case sched.KindReadTimeout:
			if h.Idle != nil {
				h.Idle()
			}
			return sched.RescheduleIn(idle)
		case sched.KindReadError:
			// hangup may still leave data in the pipe
		case sched.KindReadyFD:
		default:
			return sched.Continue
		}

		for {
			n, err := unix.Read(v.FD(), buf)
			if n > 0 {
				pending = append(pending, buf[:n]...)
				for {
					i := bytes.IndexByte(pending, '\n')
					if i < 0 {
						break
					}
					if h.Line != nil {
						h.Line(pending[:i])
					}
					pending = pending[i+1:]
				}
				continue
			}
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				if v.Kind == sched.KindReadError {
					return finish(nil)
				}
				return sched.RescheduleIn(idle)
			case err != nil:
				return finish(err)
			default:
				return finish(nil)
			}
		}
	}
}
