package sched

import (
	"fmt"
)

type direction uint8

const (
	dirRead direction = iota
	dirWrite
)

func (d direction) String() string {
	if d == dirRead {
		return "read"
	}
	return "write"
}

// ioRegistration is one fd's presence in the poller. It holds at most one
// waiting task per direction and is dropped as soon as both are empty.
type ioRegistration struct {
	fd    int
	read  Handle
	write Handle
	mask  interest // what the poller currently has
}

func (r *ioRegistration) slot(d direction) *Handle {
	if d == dirRead {
		return &r.read
	}
	return &r.write
}

func (r *ioRegistration) wanted() interest {
	var in interest
	if !r.read.IsZero() {
		in |= interestRead
	}
	if !r.write.IsZero() {
		in |= interestWrite
	}
	return in
}

func kindDirection(k Kind) direction {
	if k == KindWrite {
		return dirWrite
	}
	return dirRead
}

// slotFree reports whether fd can take a new waiting task in direction d.
func (s *Scheduler) slotFree(fd int, d direction) bool {
	reg, ok := s.io[fd]
	return !ok || reg.slot(d).IsZero()
}

// attachIO puts h in fd's direction slot, creating the registration and
// updating the poller interest. On failure nothing is changed.
func (s *Scheduler) attachIO(fd int, d direction, h Handle) error {
	reg, ok := s.io[fd]
	if !ok {
		reg = &ioRegistration{fd: fd}
	}
	slot := reg.slot(d)
	if !slot.IsZero() && *slot != h {
		return fmt.Errorf("%w: fd %d %s", ErrSlotBusy, fd, d)
	}
	prev := *slot
	*slot = h
	if err := s.syncInterest(reg); err != nil {
		*slot = prev
		if !ok {
			return fmt.Errorf("%w: fd %d: %v", ErrInvalidFD, fd, err)
		}
		return err
	}
	s.io[fd] = reg
	return nil
}

// detachIO clears h from fd's direction slot and updates the poller right away,
// dropping the registration when it becomes empty.
func (s *Scheduler) detachIO(fd int, d direction, h Handle) {
	reg, ok := s.io[fd]
	if !ok {
		return
	}
	slot := reg.slot(d)
	if *slot != h {
		return
	}
	*slot = Handle{}
	if err := s.syncInterest(reg); err != nil {
		s.log.Warn("scheduler: updating fd interest failed", "fd", fd, "error", err)
	}
	if reg.mask == 0 {
		delete(s.io, fd)
	}
}

func (s *Scheduler) syncInterest(reg *ioRegistration) error {
	want := reg.wanted()
	if want == reg.mask {
		return nil
	}
	var err error
	switch {
	case reg.mask == 0:
		err = s.poller.add(reg.fd, want)
	case want == 0:
		err = s.poller.remove(reg.fd)
		// Forget the registration even if the kernel complained.
		reg.mask = 0
		return err
	default:
		err = s.poller.modify(reg.fd, want)
	}
	if err != nil {
		return err
	}
	reg.mask = want
	return nil
}

// dropFD forgets fd entirely, used right before the descriptor is closed.
func (s *Scheduler) dropFD(fd int) {
	reg, ok := s.io[fd]
	if !ok {
		return
	}
	if reg.mask != 0 {
		if err := s.poller.remove(fd); err != nil {
			s.log.Debug("scheduler: epoll del before close failed", "fd", fd, "error", err)
		}
	}
	delete(s.io, fd)
}
