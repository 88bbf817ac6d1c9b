//go:build linux

package sched

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is the epoll(7) multiplexer.
type epollPoller struct {
	epfd int
	raw  []unix.EpollEvent
}

func newPlatform(maxEvents int) (poller, timerSource, wakeSource, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("epoll create: %w", err)
	}
	p := &epollPoller{epfd: epfd, raw: make([]unix.EpollEvent, maxEvents)}

	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		p.close()
		return nil, nil, nil, fmt.Errorf("timerfd create: %w", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(tfd)
		p.close()
		return nil, nil, nil, fmt.Errorf("eventfd create: %w", err)
	}

	return p, &timerfd{tfd: tfd}, &eventfd{efd: efd}, nil
}

func epollEvents(in interest) uint32 {
	var ev uint32
	if in&interestRead != 0 {
		ev |= unix.EPOLLIN
	}
	if in&interestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoller) ctl(op, fd int, in interest) error {
	ev := &unix.EpollEvent{Events: epollEvents(in), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, op, fd, ev)
}

func (p *epollPoller) add(fd int, in interest) error {
	if err := p.ctl(unix.EPOLL_CTL_ADD, fd, in); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

func (p *epollPoller) modify(fd int, in interest) error {
	if err := p.ctl(unix.EPOLL_CTL_MOD, fd, in); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

func (p *epollPoller) remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	// The descriptor may already be closed; the kernel dropped it for us.
	if err != nil && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

func (p *epollPoller) wait(events []readiness, timeout time.Duration) (int, error) {
	msec := -1
	if timeout >= 0 {
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	limit := len(events)
	if limit > len(p.raw) {
		limit = len(p.raw)
	}
	n, err := unix.EpollWait(p.epfd, p.raw[:limit], msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := p.raw[i].Events
		events[i] = readiness{
			fd:    int(p.raw[i].Fd),
			read:  ev&unix.EPOLLIN != 0,
			write: ev&unix.EPOLLOUT != 0,
			err:   ev&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
		}
	}
	return n, nil
}

func (p *epollPoller) close() error {
	if p.epfd < 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	return err
}

// pollBackoff reports whether a wait error means the loop would spin.
func pollBackoff(err error) bool {
	return errors.Is(err, unix.EBADF) || errors.Is(err, unix.EFAULT) || errors.Is(err, unix.EINVAL)
}

// timerfd is a one-shot CLOCK_MONOTONIC timer.
type timerfd struct {
	tfd int
}

func (t *timerfd) fd() int { return t.tfd }

func (t *timerfd) arm(after time.Duration) error {
	if after <= 0 {
		// A zero it_value disarms; fire as soon as possible instead.
		after = time.Nanosecond
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(int64(after))}
	return unix.TimerfdSettime(t.tfd, 0, &spec, nil)
}

func (t *timerfd) disarm() error {
	var spec unix.ItimerSpec
	return unix.TimerfdSettime(t.tfd, 0, &spec, nil)
}

func (t *timerfd) drain() error {
	var buf [8]byte
	_, err := unix.Read(t.tfd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return err
	}
	return nil
}

func (t *timerfd) close() error { return unix.Close(t.tfd) }

// eventfd wakes the loop from Stop.
type eventfd struct {
	efd int
}

func (e *eventfd) fd() int { return e.efd }

func (e *eventfd) wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.efd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return err
	}
	return nil
}

func (e *eventfd) drain() error {
	var buf [8]byte
	_, err := unix.Read(e.efd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return err
	}
	return nil
}

func (e *eventfd) close() error { return unix.Close(e.efd) }

func closeFD(fd int) error { return unix.Close(fd) }
