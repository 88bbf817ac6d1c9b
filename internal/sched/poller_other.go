//go:build !linux

package sched

func newPlatform(int) (poller, timerSource, wakeSource, error) {
	return nil, nil, nil, ErrUnsupported
}

func pollBackoff(error) bool { return false }

func closeFD(int) error { return ErrUnsupported }
