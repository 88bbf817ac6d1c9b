//go:build linux

package sched

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	return newTestSchedulerWith(t, DefaultConfig(), opts...)
}

func newTestSchedulerWith(t *testing.T, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Destroy() })
	return s
}

// rawPipe returns a non-blocking pipe the caller is responsible for closing.
func rawPipe(t *testing.T) (int, int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	return p[0], p[1]
}

func pipe(t *testing.T) (int, int) {
	t.Helper()
	r, w := rawPipe(t)
	t.Cleanup(func() {
		unix.Close(r)
		unix.Close(w)
	})
	return r, w
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func isClosed(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == unix.EBADF
}

func run(t *testing.T, s *Scheduler, limit time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()
	return s.Run(ctx)
}

func stopAfter(t *testing.T, s *Scheduler, d time.Duration) {
	t.Helper()
	_, err := s.AddTimer(func(View) Signal {
		s.Stop()
		return Continue
	}, nil, d)
	require.NoError(t, err)
}

func TestNewRegistersBaseTasks(t *testing.T) {
	s := newTestScheduler(t)

	st := s.Stats()
	assert.Equal(t, StateInitialized, s.State())
	assert.Equal(t, 2, st.Live)
	assert.Equal(t, 2, st.Waiting)
	assert.Equal(t, 2, st.Registrations)
	assert.Equal(t, 0, st.Ready)
}

func TestReadReadyBeforeTimeout(t *testing.T) {
	s := newTestScheduler(t)
	r, w := pipe(t)

	var got []Kind
	_, err := s.AddRead(r, func(v View) Signal {
		got = append(got, v.Kind)
		assert.Equal(t, r, v.FD())
		assert.Equal(t, StateRunning, s.State())
		s.Stop()
		return Continue
	}, nil, 5*time.Second)
	require.NoError(t, err)
	_, err = s.AddTimer(func(View) Signal {
		_, err := unix.Write(w, []byte{1})
		assert.NoError(t, err)
		return Continue
	}, nil, 20*time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, run(t, s, 3*time.Second))

	assert.Equal(t, []Kind{KindReadyFD}, got)
	assert.Less(t, time.Since(start), 2*time.Second)
	_, registered := s.io[r]
	assert.False(t, registered)
	assert.Equal(t, StateInitialized, s.State())
}

func TestReadTimesOutOnIdleFD(t *testing.T) {
	s := newTestScheduler(t)
	r, _ := pipe(t)

	var kind Kind
	var elapsed time.Duration
	start := time.Now()
	_, err := s.AddRead(r, func(v View) Signal {
		kind = v.Kind
		elapsed = time.Since(start)
		_, registered := s.io[r]
		assert.False(t, registered, "fd leaves the poller before the callback runs")
		s.Stop()
		return Continue
	}, nil, 100*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, run(t, s, 3*time.Second))

	assert.Equal(t, KindReadTimeout, kind)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}

func TestTimersFireInDeadlineOrder(t *testing.T) {
	clk := NewManualClock(0)
	s := newTestScheduler(t, WithClock(clk))

	var order []int
	cb := func(v View) Signal {
		order = append(order, v.Arg.(int))
		assert.Equal(t, KindReady, v.Kind)
		return Continue
	}
	for _, tc := range []struct {
		id    int
		delay time.Duration
	}{{1, 30 * time.Millisecond}, {2, 10 * time.Millisecond}, {3, 20 * time.Millisecond}} {
		_, err := s.AddTimer(cb, tc.id, tc.delay)
		require.NoError(t, err)
	}

	clk.Advance(15 * time.Millisecond)
	assert.Equal(t, 1, s.sweep(clk.Now()))
	clk.Advance(50 * time.Millisecond)
	assert.Equal(t, 2, s.sweep(clk.Now()))
	s.dispatchBatch()

	assert.Equal(t, []int{2, 3, 1}, order)
}

func TestEqualDeadlinesFireInInsertionOrder(t *testing.T) {
	clk := NewManualClock(0)
	s := newTestScheduler(t, WithClock(clk))

	var order []int
	for i := 1; i <= 4; i++ {
		_, err := s.AddTimer(func(v View) Signal {
			order = append(order, v.Arg.(int))
			return Continue
		}, i, 10*time.Millisecond)
		require.NoError(t, err)
	}

	clk.Advance(10 * time.Millisecond)
	assert.Equal(t, 4, s.sweep(clk.Now()))
	s.dispatchBatch()

	assert.Equal(t, []int{1, 2, 3, 4}, order)
}

func TestTimersRunThroughTheLoop(t *testing.T) {
	s := newTestScheduler(t)

	var order []int
	for _, tc := range []struct {
		id    int
		delay time.Duration
	}{{1, 60 * time.Millisecond}, {2, 20 * time.Millisecond}, {3, 40 * time.Millisecond}} {
		_, err := s.AddTimer(func(v View) Signal {
			order = append(order, v.Arg.(int))
			if len(order) == 3 {
				s.Stop()
			}
			return Continue
		}, tc.id, tc.delay)
		require.NoError(t, err)
	}

	require.NoError(t, run(t, s, 3*time.Second))
	assert.Equal(t, []int{2, 3, 1}, order)
}

func TestChildTerminated(t *testing.T) {
	s := newTestScheduler(t)
	const pid = 424242

	var got View
	_, err := s.AddChild(func(v View) Signal {
		got = v
		s.Stop()
		return Continue
	}, nil, pid, 5*time.Second)
	require.NoError(t, err)
	_, err = s.AddTimer(func(View) Signal {
		s.NotifyChildExited(pid, 7)
		return Continue
	}, nil, 10*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, run(t, s, 3*time.Second))

	assert.Equal(t, KindChildTerminated, got.Kind)
	assert.Equal(t, pid, got.PID())
	assert.Equal(t, 7, got.Status())
	assert.Equal(t, 0, s.pids.size())
	assert.Equal(t, 0, s.childWait.size())
}

func TestChildTimeoutForgetsPid(t *testing.T) {
	clk := NewManualClock(0)
	s := newTestScheduler(t, WithClock(clk))

	var kind Kind
	_, err := s.AddChild(func(v View) Signal {
		kind = v.Kind
		return Continue
	}, nil, 31337, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Stats().Children)

	clk.Advance(10 * time.Millisecond)
	assert.Equal(t, 1, s.sweep(clk.Now()))
	assert.Equal(t, 0, s.pids.size(), "pid is released as soon as the timeout fires")
	s.dispatchBatch()

	assert.Equal(t, KindChildTimeout, kind)
	s.NotifyChildExited(31337, 0)
	assert.Equal(t, 0, s.Stats().Ready)
}

func TestChildArguments(t *testing.T) {
	s := newTestScheduler(t)

	_, err := s.AddChild(nil, nil, 0, time.Second)
	assert.ErrorIs(t, err, ErrInvalidPID)

	_, err = s.AddChild(nil, nil, 5000, time.Second)
	require.NoError(t, err)
	_, err = s.AddChild(nil, nil, 5000, time.Second)
	assert.ErrorIs(t, err, ErrChildTracked)
}

func TestChildrenReschedule(t *testing.T) {
	clk := NewManualClock(0)
	s := newTestScheduler(t, WithClock(clk))
	old := func(View) Signal {
		t.Error("replaced callback ran")
		return Continue
	}
	for _, pid := range []int{1001, 1002} {
		_, err := s.AddChild(old, nil, pid, NoTimeout)
		require.NoError(t, err)
	}

	var pids []int
	s.ChildrenReschedule(func(v View) Signal {
		assert.Equal(t, KindChildTimeout, v.Kind)
		pids = append(pids, v.PID())
		return Continue
	}, 10*time.Millisecond)

	clk.Advance(10 * time.Millisecond)
	assert.Equal(t, 2, s.sweep(clk.Now()))
	s.dispatchBatch()

	assert.Equal(t, []int{1001, 1002}, pids)
}

func TestTimerRescheduleReusesRecord(t *testing.T) {
	s := newTestScheduler(t)

	var calls []time.Duration
	var handles []Handle
	start := time.Now()
	_, err := s.AddTimer(func(v View) Signal {
		calls = append(calls, time.Since(start))
		handles = append(handles, v.Handle)
		if len(calls) == 1 {
			return RescheduleIn(50 * time.Millisecond)
		}
		s.Stop()
		return Continue
	}, nil, 10*time.Millisecond)
	require.NoError(t, err)
	allocated := s.Stats().Allocated

	require.NoError(t, run(t, s, 3*time.Second))

	require.Len(t, calls, 2)
	assert.GreaterOrEqual(t, calls[1]-calls[0], 50*time.Millisecond)
	assert.Equal(t, handles[0], handles[1])
	assert.Equal(t, allocated, s.Stats().Allocated)
}

func TestWriteReadinessLeavesReadTaskWaiting(t *testing.T) {
	s := newTestScheduler(t)
	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	readCalled := false
	rh, err := s.AddRead(a, func(View) Signal {
		readCalled = true
		return Continue
	}, nil, 5*time.Second)
	require.NoError(t, err)
	_, err = s.AddWrite(a, func(v View) Signal {
		assert.Equal(t, KindReadyFD, v.Kind)
		rv, ok := s.Lookup(rh)
		assert.True(t, ok)
		assert.Equal(t, KindRead, rv.Kind)
		if reg := s.io[a]; assert.NotNil(t, reg) {
			assert.Equal(t, rh, reg.read)
			assert.True(t, reg.write.IsZero())
			assert.Equal(t, interestRead, reg.mask)
		}
		s.Stop()
		return Continue
	}, nil, 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, run(t, s, 3*time.Second))
	assert.False(t, readCalled)
}

func TestHangupFiresReadError(t *testing.T) {
	s := newTestScheduler(t)
	r, w := rawPipe(t)
	defer unix.Close(r)
	require.NoError(t, unix.Close(w))

	var kind Kind
	_, err := s.AddRead(r, func(v View) Signal {
		kind = v.Kind
		s.Stop()
		return Continue
	}, nil, 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, run(t, s, 3*time.Second))
	assert.Equal(t, KindReadError, kind)
}

func TestCancelledTaskNeverRuns(t *testing.T) {
	s := newTestScheduler(t)

	called := false
	h, err := s.AddTimer(func(View) Signal {
		called = true
		return Continue
	}, nil, 10*time.Millisecond)
	require.NoError(t, err)
	s.Cancel(h)
	stopAfter(t, s, 60*time.Millisecond)

	require.NoError(t, run(t, s, 3*time.Second))
	assert.False(t, called)
}

func TestCancelFromReadyQueue(t *testing.T) {
	clk := NewManualClock(0)
	s := newTestScheduler(t, WithClock(clk))

	var second Handle
	secondCalled := false
	_, err := s.AddTimer(func(View) Signal {
		s.Cancel(second)
		return Continue
	}, nil, 10*time.Millisecond)
	require.NoError(t, err)
	second, err = s.AddTimer(func(View) Signal {
		secondCalled = true
		return Continue
	}, nil, 10*time.Millisecond)
	require.NoError(t, err)

	clk.Advance(10 * time.Millisecond)
	s.sweep(clk.Now())
	assert.Equal(t, 2, s.Stats().Ready)
	s.dispatchBatch()

	assert.False(t, secondCalled)
	assert.Equal(t, 0, s.Stats().Ready)
	_, ok := s.Lookup(second)
	assert.False(t, ok)
}

func TestStaleHandleIsIgnored(t *testing.T) {
	s := newTestScheduler(t)
	noop := func(View) Signal { return Continue }

	h1, err := s.AddTimer(noop, nil, time.Hour)
	require.NoError(t, err)
	s.Cancel(h1)
	_, ok := s.Lookup(h1)
	assert.False(t, ok)

	h2, err := s.AddTimer(noop, nil, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, h1.slot, h2.slot, "record is recycled")

	s.Cancel(h1)
	_, ok = s.Lookup(h2)
	assert.True(t, ok, "stale cancel does not touch the new occupant")
	assert.ErrorIs(t, s.RescheduleTimeout(h1, time.Second), ErrStaleHandle)
}

func TestRecordsAreRecycled(t *testing.T) {
	s := newTestScheduler(t)
	noop := func(View) Signal { return Continue }
	base := s.Stats()

	add := func(n int) []Handle {
		hs := make([]Handle, 0, n)
		for i := 0; i < n; i++ {
			h, err := s.AddTimer(noop, nil, time.Hour)
			require.NoError(t, err)
			hs = append(hs, h)
		}
		return hs
	}
	for _, h := range add(10) {
		s.Cancel(h)
	}
	st := s.Stats()
	assert.Equal(t, base.Allocated+10, st.Allocated)
	assert.Equal(t, 10, st.Free)
	assert.Equal(t, base.Live, st.Live)

	add(10)
	st = s.Stats()
	assert.Equal(t, base.Allocated+10, st.Allocated, "free list is used first")
	assert.Equal(t, 0, st.Free)

	add(5)
	assert.Equal(t, base.Allocated+15, s.Stats().Allocated)
}

func TestTaskLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTasks = 3
	s := newTestSchedulerWith(t, cfg)
	noop := func(View) Signal { return Continue }

	_, err := s.AddTimer(noop, nil, time.Hour)
	require.NoError(t, err)
	_, err = s.AddTimer(noop, nil, time.Hour)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestInvalidFDLeavesNoTrace(t *testing.T) {
	s := newTestScheduler(t)

	_, err := s.AddRead(-1, nil, nil, time.Second)
	assert.ErrorIs(t, err, ErrInvalidFD)

	f, err := os.CreateTemp(t.TempDir(), "plain")
	require.NoError(t, err)
	defer f.Close()

	before := s.Stats()
	_, err = s.AddRead(int(f.Fd()), nil, nil, time.Second)
	assert.ErrorIs(t, err, ErrInvalidFD, "regular files cannot be polled")
	after := s.Stats()
	assert.Equal(t, before.Live, after.Live)
	assert.Equal(t, before.Waiting, after.Waiting)
	assert.Equal(t, before.Registrations, after.Registrations)
}

func TestSecondReadOnSameFDIsRejected(t *testing.T) {
	s := newTestScheduler(t)
	r, _ := pipe(t)

	_, err := s.AddRead(r, nil, nil, time.Second)
	require.NoError(t, err)
	_, err = s.AddRead(r, nil, nil, time.Second)
	assert.ErrorIs(t, err, ErrSlotBusy)
}

func TestCancelRead(t *testing.T) {
	s := newTestScheduler(t)
	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	rh, err := s.AddRead(a, nil, nil, time.Hour)
	require.NoError(t, err)
	wh, err := s.AddWrite(a, nil, nil, time.Hour)
	require.NoError(t, err)

	s.CancelRead(a)

	_, ok := s.Lookup(rh)
	assert.False(t, ok)
	_, ok = s.Lookup(wh)
	assert.False(t, ok)
	_, registered := s.io[a]
	assert.False(t, registered)
}

func TestCloseOnRetire(t *testing.T) {
	s := newTestScheduler(t)
	r, w := rawPipe(t)
	defer unix.Close(w)

	h, err := s.AddRead(r, nil, nil, time.Hour, CloseOnRetire())
	require.NoError(t, err)
	assert.False(t, isClosed(r))

	s.Cancel(h)
	assert.True(t, isClosed(r))
}

func TestCloseFDWaitsForLastTask(t *testing.T) {
	s := newTestScheduler(t)
	a, b := socketPair(t)
	defer unix.Close(b)

	rh, err := s.AddRead(a, nil, nil, time.Hour)
	require.NoError(t, err)
	wh, err := s.AddWrite(a, nil, nil, time.Hour)
	require.NoError(t, err)
	s.CloseFD(rh)

	s.Cancel(rh)
	assert.False(t, isClosed(a), "write task still uses the fd")

	s.Cancel(wh)
	assert.True(t, isClosed(a))
}

func TestRescheduleTimeoutMovesDeadline(t *testing.T) {
	clk := NewManualClock(0)
	s := newTestScheduler(t, WithClock(clk))
	r, _ := pipe(t)

	var kind Kind
	h, err := s.AddRead(r, func(v View) Signal {
		kind = v.Kind
		return Continue
	}, nil, 50*time.Millisecond)
	require.NoError(t, err)

	clk.Advance(30 * time.Millisecond)
	require.NoError(t, s.RescheduleTimeout(h, 100*time.Millisecond))

	clk.Advance(30 * time.Millisecond)
	assert.Equal(t, 0, s.sweep(clk.Now()), "old deadline no longer applies")
	_, registered := s.io[r]
	assert.True(t, registered)

	clk.Advance(70 * time.Millisecond)
	assert.Equal(t, 1, s.sweep(clk.Now()))
	s.dispatchBatch()
	assert.Equal(t, KindReadTimeout, kind)
}

func TestRescheduleTimeoutNeedsWaitingTask(t *testing.T) {
	s := newTestScheduler(t)

	h, err := s.AddEvent(func(View) Signal { return Continue }, nil, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, s.RescheduleTimeout(h, time.Second), ErrNotWaiting)
}

func TestUpdateTimerAndRequeueRead(t *testing.T) {
	clk := NewManualClock(0)
	s := newTestScheduler(t, WithClock(clk))
	r, _ := pipe(t)

	var kinds []Kind
	record := func(v View) Signal {
		kinds = append(kinds, v.Kind)
		return Continue
	}
	th, err := s.AddTimer(record, nil, time.Hour)
	require.NoError(t, err)
	_, err = s.AddRead(r, record, nil, NoTimeout)
	require.NoError(t, err)

	s.UpdateTimer(th, 5*time.Millisecond)
	s.RequeueRead(r, clk.Now().Add(10*time.Millisecond))

	clk.Advance(10 * time.Millisecond)
	assert.Equal(t, 2, s.sweep(clk.Now()))
	s.dispatchBatch()

	assert.Equal(t, []Kind{KindReadTimeout, KindReady}, kinds, "read index is swept before timers")
}

func TestEventCannotReschedule(t *testing.T) {
	s := newTestScheduler(t)

	calls := 0
	h, err := s.AddEvent(func(v View) Signal {
		calls++
		assert.Equal(t, KindEvent, v.Kind)
		assert.Equal(t, 7, v.Value())
		return RescheduleIn(time.Millisecond)
	}, nil, 7)
	require.NoError(t, err)
	stopAfter(t, s, 40*time.Millisecond)

	require.NoError(t, run(t, s, 3*time.Second))

	assert.Equal(t, 1, calls)
	_, ok := s.Lookup(h)
	assert.False(t, ok)
}

func TestFatalStop(t *testing.T) {
	s := newTestScheduler(t)

	_, err := s.AddEvent(func(View) Signal { return FatalStop }, nil, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, run(t, s, 3*time.Second), ErrFatalStop)
}

func TestTerminateEvent(t *testing.T) {
	s := newTestScheduler(t)

	_, err := s.AddTimer(func(View) Signal {
		_, err := s.AddTerminateEvent()
		assert.NoError(t, err)
		return Continue
	}, nil, 10*time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, run(t, s, 3*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestShutdownRunsOnlyShutdownWork(t *testing.T) {
	s := newTestScheduler(t)

	normal, grace := false, false
	_, err := s.AddTimer(func(View) Signal {
		normal = true
		return Continue
	}, nil, 20*time.Millisecond)
	require.NoError(t, err)
	_, err = s.AddStartTerminateEvent(func(v View) Signal {
		assert.Equal(t, KindTerminateStart, v.Kind)
		_, err := s.AddShutdownTimer(func(v View) Signal {
			grace = true
			assert.Equal(t, KindShutdownTimer, v.Kind)
			return Continue
		}, nil, 60*time.Millisecond)
		assert.NoError(t, err)
		return Continue
	})
	require.NoError(t, err)

	require.NoError(t, run(t, s, 3*time.Second))

	assert.True(t, grace)
	assert.False(t, normal, "ordinary timers are dropped while shutting down")
}

func TestStopFromAnotherGoroutine(t *testing.T) {
	s := newTestScheduler(t)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	s.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRunReturnsWhenContextEnds(t *testing.T) {
	s := newTestScheduler(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, s.Run(ctx), context.DeadlineExceeded)
}

func TestCleanupKeepsSchedulerUsable(t *testing.T) {
	s := newTestScheduler(t)
	r, _ := pipe(t)
	noop := func(View) Signal { return Continue }

	_, err := s.AddRead(r, noop, nil, time.Hour)
	require.NoError(t, err)
	_, err = s.AddTimer(noop, nil, time.Hour)
	require.NoError(t, err)
	_, err = s.AddChild(noop, nil, 999999, time.Hour)
	require.NoError(t, err)
	_, err = s.AddEvent(noop, nil, 0)
	require.NoError(t, err)

	s.Cleanup()

	st := s.Stats()
	assert.Equal(t, StateInitialized, s.State())
	assert.Equal(t, 2, st.Live)
	assert.Equal(t, 2, st.Waiting)
	assert.Equal(t, 0, st.Ready)
	assert.Equal(t, 0, st.Children)
	assert.Equal(t, 2, st.Registrations)
	assert.False(t, isClosed(r))

	fired := false
	_, err = s.AddTimer(func(View) Signal {
		fired = true
		s.Stop()
		return Continue
	}, nil, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, run(t, s, 3*time.Second))
	assert.True(t, fired)
}

func TestDestroy(t *testing.T) {
	s := newTestScheduler(t)
	r, w := rawPipe(t)
	defer unix.Close(w)
	_, err := s.AddRead(r, nil, nil, time.Hour, CloseOnRetire())
	require.NoError(t, err)

	require.NoError(t, s.Destroy())
	assert.Equal(t, StateDestroyed, s.State())
	assert.True(t, isClosed(r))
	assert.NoError(t, s.Destroy())

	_, err = s.AddTimer(func(View) Signal { return Continue }, nil, time.Second)
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.ErrorIs(t, s.Run(context.Background()), ErrDestroyed)
	s.Stop()
}

func TestDumpAndSnapshot(t *testing.T) {
	s := newTestScheduler(t)
	r, _ := pipe(t)

	_, err := s.AddTimer(nil, nil, time.Hour)
	require.NoError(t, err)
	_, err = s.AddRead(r, nil, nil, NoTimeout)
	require.NoError(t, err)
	_, err = s.AddEvent(nil, nil, 3)
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Len(t, snap.Timer, 1)
	assert.Len(t, snap.Read, 3)
	assert.Len(t, snap.Ready, 1)
	require.Len(t, snap.Registrations, 3)
	for i := 1; i < len(snap.Registrations); i++ {
		assert.Less(t, snap.Registrations[i-1].FD, snap.Registrations[i].FD)
	}

	var buf bytes.Buffer
	require.NoError(t, s.Dump(&buf))
	out := buf.String()
	assert.Contains(t, out, "state: initialized")
	assert.Contains(t, out, "kind: TIMER")
	assert.Contains(t, out, "kind: READ")
	assert.Contains(t, out, "kind: EVENT")
}

func TestDispatchTrace(t *testing.T) {
	s := newTestScheduler(t)
	path := filepath.Join(t.TempDir(), "trace.csv")
	require.NoError(t, s.EnableTrace(path))

	_, err := s.AddEvent(func(View) Signal {
		s.Stop()
		return Continue
	}, nil, 0)
	require.NoError(t, err)
	require.NoError(t, run(t, s, 3*time.Second))
	require.NoError(t, s.Destroy())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Equal(t, "timestamp,task_id,kind,signal,took_us", lines[0])
	assert.Contains(t, string(data), ",EVENT,continue,")
}

func TestTimerFiresUnderEventChurn(t *testing.T) {
	s := newTestScheduler(t)

	start := time.Now()
	var firedAt time.Duration
	_, err := s.AddTimer(func(View) Signal {
		firedAt = time.Since(start)
		return Continue
	}, nil, 20*time.Millisecond)
	require.NoError(t, err)

	var churn Callback
	churn = func(View) Signal {
		if firedAt > 0 || time.Since(start) > 500*time.Millisecond {
			s.Stop()
			return Continue
		}
		_, err := s.AddEvent(churn, nil, 0)
		assert.NoError(t, err)
		return Continue
	}
	_, err = s.AddEvent(churn, nil, 0)
	require.NoError(t, err)

	require.NoError(t, run(t, s, 3*time.Second))

	require.NotZero(t, firedAt, "timer starved by ready work")
	assert.GreaterOrEqual(t, firedAt, 20*time.Millisecond)
	assert.Less(t, firedAt, 400*time.Millisecond)
}

func TestReadinessAndTimeoutAreExclusive(t *testing.T) {
	type fired struct {
		kinds []Kind
	}
	setup := func(t *testing.T) (*Scheduler, *ManualClock, int, int, *fired) {
		clk := NewManualClock(0)
		s := newTestScheduler(t, WithClock(clk))
		r, w := rawPipe(t)
		t.Cleanup(func() { unix.Close(r) })
		f := &fired{}
		_, err := s.AddRead(r, func(v View) Signal {
			f.kinds = append(f.kinds, v.Kind)
			return Continue
		}, nil, 10*time.Millisecond)
		require.NoError(t, err)
		return s, clk, r, w, f
	}

	t.Run("readable then expired", func(t *testing.T) {
		s, clk, _, w, f := setup(t)
		defer unix.Close(w)
		_, err := unix.Write(w, []byte{1})
		require.NoError(t, err)
		clk.Advance(20 * time.Millisecond)

		require.NoError(t, s.poll())
		assert.Equal(t, 0, s.sweep(clk.Now()))
		s.dispatchBatch()

		assert.Equal(t, []Kind{KindReadyFD}, f.kinds)
	})

	t.Run("hangup then expired", func(t *testing.T) {
		s, clk, _, w, f := setup(t)
		require.NoError(t, unix.Close(w))
		clk.Advance(20 * time.Millisecond)

		require.NoError(t, s.poll())
		assert.Equal(t, 0, s.sweep(clk.Now()))
		s.dispatchBatch()

		assert.Equal(t, []Kind{KindReadError}, f.kinds)
	})

	t.Run("expired then readable", func(t *testing.T) {
		s, clk, r, w, f := setup(t)
		defer unix.Close(w)
		_, err := unix.Write(w, []byte{1})
		require.NoError(t, err)
		clk.Advance(20 * time.Millisecond)

		assert.Equal(t, 1, s.sweep(clk.Now()))
		_, registered := s.io[r]
		assert.False(t, registered)
		require.NoError(t, s.poll())
		s.dispatchBatch()

		assert.Equal(t, []Kind{KindReadTimeout}, f.kinds)
	})
}

func TestBatchDefersTasksQueuedDuringIt(t *testing.T) {
	clk := NewManualClock(0)
	s := newTestScheduler(t, WithClock(clk))

	var order []string
	record := func(name string) Callback {
		return func(View) Signal {
			order = append(order, name)
			return Continue
		}
	}
	var b Handle
	_, err := s.AddTimer(func(View) Signal {
		order = append(order, "a")
		s.Cancel(b)
		_, err := s.AddEvent(record("d"), nil, 0)
		assert.NoError(t, err)
		return Continue
	}, nil, 10*time.Millisecond)
	require.NoError(t, err)
	b, err = s.AddTimer(record("b"), nil, 10*time.Millisecond)
	require.NoError(t, err)
	_, err = s.AddTimer(record("c"), nil, 10*time.Millisecond)
	require.NoError(t, err)

	clk.Advance(10 * time.Millisecond)
	assert.Equal(t, 3, s.sweep(clk.Now()))
	s.dispatchBatch()

	assert.Equal(t, []string{"a", "c"}, order)
	assert.Equal(t, 1, s.Stats().Ready)

	s.dispatchBatch()
	assert.Equal(t, []string{"a", "c", "d"}, order)
}

func TestStopAfterDestroyLeavesReusedFDAlone(t *testing.T) {
	s := newTestScheduler(t)

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			default:
				s.Stop()
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Destroy())
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	require.NoError(t, err)
	defer unix.Close(efd)
	time.Sleep(20 * time.Millisecond)
	close(done)
	<-stopped

	var buf [8]byte
	_, err = unix.Read(efd, buf[:])
	assert.ErrorIs(t, err, unix.EAGAIN, "nothing was written to a descriptor the scheduler no longer owns")
}

func TestNegativeDelayIsDueNow(t *testing.T) {
	clk := NewManualClock(Deadline(time.Second))
	s := newTestScheduler(t, WithClock(clk))
	r, _ := pipe(t)

	th, err := s.AddTimer(func(View) Signal { return Continue }, nil, -5*time.Millisecond)
	require.NoError(t, err)
	rh, err := s.AddRead(r, nil, nil, NoTimeout)
	require.NoError(t, err)

	tv, ok := s.Lookup(th)
	require.True(t, ok)
	assert.Equal(t, clk.Now(), tv.Deadline)
	rv, ok := s.Lookup(rh)
	require.True(t, ok)
	assert.Equal(t, Never, rv.Deadline)

	assert.Equal(t, 1, s.sweep(clk.Now()))
	assert.Equal(t, "reschedule(never)", RescheduleIn(NoTimeout).String())
}

func TestAddWriteAt(t *testing.T) {
	clk := NewManualClock(0)
	s := newTestScheduler(t, WithClock(clk))
	_, w := pipe(t)

	var kind Kind
	h, err := s.AddWriteAt(w, func(v View) Signal {
		kind = v.Kind
		return Continue
	}, nil, clk.Now().Add(5*time.Millisecond))
	require.NoError(t, err)

	v, ok := s.Lookup(h)
	require.True(t, ok)
	assert.Equal(t, Deadline(5*time.Millisecond), v.Deadline)

	clk.Advance(5 * time.Millisecond)
	assert.Equal(t, 1, s.sweep(clk.Now()))
	s.dispatchBatch()
	assert.Equal(t, KindWriteTimeout, kind)
}
