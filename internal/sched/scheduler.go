// internal/sched/scheduler.go

package sched

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle position of a Scheduler.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateDraining
	StateDestroyed
)

func (st State) String() string {
	switch st {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Scheduler is a single-threaded reactor: it multiplexes fd readiness, fires
// timers in deadline order and reaps child tasks, dispatching everything
// through one ready queue.
//
// Every method except Stop must be called from the goroutine running Run (or
// before Run starts, or after it returns). Stop may be called from anywhere.
type Scheduler struct {
	log   *slog.Logger
	clock Clock
	cfg   Config
	state State

	poller   poller
	timerSrc timerSource
	wakeSrc  wakeSource

	timerTask Handle
	wakeTask  Handle
	armed     Deadline // deadline the timer source is armed for

	arena     *arena
	readWait  *waitIndex
	writeWait *waitIndex
	timerWait *waitIndex
	childWait *waitIndex
	pids      *pidIndex
	io        map[int]*ioRegistration
	ready     *readyQueue
	seq       uint64

	// descriptor closing: live Read/Write tasks per fd, and fds owed a close
	fdRefs       map[int]int
	closePending map[int]bool

	events []readiness

	stopping       atomic.Bool
	wakeMu         sync.Mutex
	closed         bool // guarded by wakeMu
	shuttingDown   bool
	shutdownTimers int
	lastPollErr    string

	dispatched uint64

	// trace-related
	traceFile   *os.File
	traceWriter *csv.Writer
}

// Option customizes a Scheduler at construction.
type Option func(*Scheduler)

// WithLogger sets the diagnostic logger; nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock replaces the monotonic clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// New acquires the multiplexer, timer and wake handles and returns an
// initialized Scheduler. On failure nothing is leaked and no Scheduler is returned.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = defaultConfig().MaxEvents
	}
	s := &Scheduler{
		log:          slog.Default(),
		clock:        NewMonotonicClock(),
		cfg:          cfg,
		arena:        newArena(cfg.MaxTasks),
		readWait:     newWaitIndex("read"),
		writeWait:    newWaitIndex("write"),
		timerWait:    newWaitIndex("timer"),
		childWait:    newWaitIndex("child"),
		pids:         newPidIndex(),
		io:           make(map[int]*ioRegistration),
		ready:        newReadyQueue(),
		fdRefs:       make(map[int]int),
		closePending: make(map[int]bool),
		events:       make([]readiness, cfg.MaxEvents),
		armed:        Never,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "scheduler")

	p, ts, ws, err := newPlatform(cfg.MaxEvents)
	if err != nil {
		s.log.Error("scheduler: cannot acquire OS handles", "error", err)
		return nil, err
	}
	s.poller, s.timerSrc, s.wakeSrc = p, ts, ws

	if err := s.addBaseTasks(); err != nil {
		s.releaseHandles()
		return nil, err
	}
	if cfg.TracePath != "" {
		if err := s.EnableTrace(cfg.TracePath); err != nil {
			s.log.Warn("scheduler: trace disabled", "path", cfg.TracePath, "error", err)
		}
	}
	s.state = StateInitialized
	return s, nil
}

// addBaseTasks registers the timer source and the wake source as ordinary Read tasks.
func (s *Scheduler) addBaseTasks() error {
	h, err := s.addIO(KindRead, s.timerSrc.fd(), s.onTimer, nil, Never, ioOptions{essential: true})
	if err != nil {
		return fmt.Errorf("register timer source: %w", err)
	}
	s.timerTask = h
	h, err = s.addIO(KindRead, s.wakeSrc.fd(), s.onWake, nil, Never, ioOptions{essential: true})
	if err != nil {
		return fmt.Errorf("register wake source: %w", err)
	}
	s.wakeTask = h
	s.armed = Never
	return nil
}

// State returns the lifecycle state.
func (s *Scheduler) State() State { return s.state }

// Now returns the scheduler clock's current time.
func (s *Scheduler) Now() Deadline { return s.clock.Now() }

// after turns a relative timeout into a deadline. NoTimeout means Never;
// any other negative duration is already due.
func (s *Scheduler) after(d time.Duration) Deadline {
	if d == NoTimeout {
		return Never
	}
	if d < 0 {
		d = 0
	}
	return s.clock.Now().Add(d)
}

func (s *Scheduler) nextSeq() uint64 {
	s.seq++
	return s.seq
}

// newTask takes a record from the free list (or allocates one) and fills the common fields.
func (s *Scheduler) newTask(kind Kind, cb Callback, arg any) (Handle, *task, error) {
	if s.state == StateDestroyed {
		return Handle{}, nil, ErrDestroyed
	}
	h, t, err := s.arena.alloc()
	if err != nil {
		s.log.Error("scheduler: cannot allocate task", "kind", kind, "error", err)
		return Handle{}, nil, err
	}
	t.kind, t.origin = kind, kind
	t.cb, t.arg = cb, arg
	t.deadline = Never
	return h, t, nil
}

// IOOption tunes AddRead and AddWrite.
type IOOption func(*ioOptions)

type ioOptions struct {
	closeOnRetire bool
	essential     bool
}

// CloseOnRetire closes the descriptor once the last task using it is retired.
func CloseOnRetire() IOOption { return func(o *ioOptions) { o.closeOnRetire = true } }

// Essential keeps the task dispatched while the scheduler is shutting down.
// Signal and housekeeping descriptors use it.
func Essential() IOOption { return func(o *ioOptions) { o.essential = true } }

// AddRead waits for fd to become readable, or for timeout to pass.
func (s *Scheduler) AddRead(fd int, cb Callback, arg any, timeout time.Duration, opts ...IOOption) (Handle, error) {
	return s.AddReadAt(fd, cb, arg, s.after(timeout), opts...)
}

// AddReadAt is AddRead with an absolute deadline.
func (s *Scheduler) AddReadAt(fd int, cb Callback, arg any, deadline Deadline, opts ...IOOption) (Handle, error) {
	return s.addIO(KindRead, fd, cb, arg, deadline, collect(opts))
}

// AddWrite waits for fd to become writable, or for timeout to pass.
func (s *Scheduler) AddWrite(fd int, cb Callback, arg any, timeout time.Duration, opts ...IOOption) (Handle, error) {
	return s.AddWriteAt(fd, cb, arg, s.after(timeout), opts...)
}

// AddWriteAt is AddWrite with an absolute deadline.
func (s *Scheduler) AddWriteAt(fd int, cb Callback, arg any, deadline Deadline, opts ...IOOption) (Handle, error) {
	return s.addIO(KindWrite, fd, cb, arg, deadline, collect(opts))
}

func collect(opts []IOOption) ioOptions {
	var o ioOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (s *Scheduler) addIO(kind Kind, fd int, cb Callback, arg any, deadline Deadline, o ioOptions) (Handle, error) {
	if fd < 0 {
		return Handle{}, fmt.Errorf("%w: %d", ErrInvalidFD, fd)
	}
	d := kindDirection(kind)
	if !s.slotFree(fd, d) {
		s.log.Info("scheduler: fd already has a waiting task", "fd", fd, "direction", d)
		return Handle{}, fmt.Errorf("%w: fd %d %s", ErrSlotBusy, fd, d)
	}
	h, t, err := s.newTask(kind, cb, arg)
	if err != nil {
		return Handle{}, err
	}
	if err := s.attachIO(fd, d, h); err != nil {
		s.arena.release(h)
		s.log.Info("scheduler: cannot register fd", "fd", fd, "direction", d, "error", err)
		return Handle{}, err
	}
	t.payload = FDPayload{FD: fd, CloseOnRetire: o.closeOnRetire}
	t.essential = o.essential
	t.deadline = deadline
	s.fdRefs[fd]++
	s.enterWait(h, t)
	return h, nil
}

// AddTimer fires cb after delay.
func (s *Scheduler) AddTimer(cb Callback, arg any, delay time.Duration) (Handle, error) {
	return s.addTimer(KindTimer, cb, arg, delay)
}

// AddShutdownTimer is AddTimer for tasks that sequence shutdown: they keep
// their kind when they fire, are dispatched while shutting down, and the run
// loop does not return while one is alive.
func (s *Scheduler) AddShutdownTimer(cb Callback, arg any, delay time.Duration) (Handle, error) {
	return s.addTimer(KindShutdownTimer, cb, arg, delay)
}

func (s *Scheduler) addTimer(kind Kind, cb Callback, arg any, delay time.Duration) (Handle, error) {
	h, t, err := s.newTask(kind, cb, arg)
	if err != nil {
		return Handle{}, err
	}
	t.payload = ValuePayload{}
	t.deadline = s.after(delay)
	if kind == KindShutdownTimer {
		s.shutdownTimers++
	}
	s.enterWait(h, t)
	return h, nil
}

// AddChild waits for pid to exit, or for timeout to pass.
func (s *Scheduler) AddChild(cb Callback, arg any, pid int, timeout time.Duration) (Handle, error) {
	if pid <= 0 {
		return Handle{}, fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	if _, tracked := s.pids.lookup(pid); tracked {
		return Handle{}, fmt.Errorf("%w: %d", ErrChildTracked, pid)
	}
	h, t, err := s.newTask(KindChild, cb, arg)
	if err != nil {
		return Handle{}, err
	}
	t.payload = ChildPayload{PID: pid}
	t.deadline = s.after(timeout)
	s.enterWait(h, t)
	return h, nil
}

// AddEvent queues cb to run as soon as possible, behind what is already ready.
func (s *Scheduler) AddEvent(cb Callback, arg any, value int) (Handle, error) {
	return s.addEvent(KindEvent, cb, arg, value)
}

// AddTerminateEvent makes Run return after everything queued ahead of it.
func (s *Scheduler) AddTerminateEvent() (Handle, error) {
	return s.addEvent(KindTerminate, nil, nil, 0)
}

// AddStartTerminateEvent runs cb and then puts the scheduler in shutting-down
// mode: only essential descriptors, child tasks, shutdown timers and the
// terminate event are still dispatched. Run returns once no shutdown timer is
// alive and no child is tracked.
func (s *Scheduler) AddStartTerminateEvent(cb Callback) (Handle, error) {
	return s.addEvent(KindTerminateStart, cb, nil, 0)
}

func (s *Scheduler) addEvent(kind Kind, cb Callback, arg any, value int) (Handle, error) {
	h, t, err := s.newTask(kind, cb, arg)
	if err != nil {
		return Handle{}, err
	}
	t.payload = ValuePayload{Value: value}
	s.enqueue(h, t)
	return h, nil
}

// enterWait inserts a task into the wait structures of its origin kind.
// Read/Write tasks must already sit in their IoRegistration slot.
func (s *Scheduler) enterWait(h Handle, t *task) {
	t.kind = t.origin
	t.where = resWaiting
	t.seq = s.nextSeq()
	switch t.origin {
	case KindRead:
		s.readWait.insert(t.key(), h)
	case KindWrite:
		s.writeWait.insert(t.key(), h)
	case KindTimer, KindShutdownTimer:
		s.timerWait.insert(t.key(), h)
	case KindChild:
		s.pids.insert(t.pid(), h)
		s.childWait.insert(t.key(), h)
	}
}

// leaveWait removes a waiting task from its wait index and its secondary key
// (fd slot or pid) without touching anything else.
func (s *Scheduler) leaveWait(h Handle, t *task) {
	switch t.origin {
	case KindRead:
		s.readWait.remove(t.key())
		s.detachIO(t.fd(), dirRead, h)
	case KindWrite:
		s.writeWait.remove(t.key())
		s.detachIO(t.fd(), dirWrite, h)
	case KindTimer, KindShutdownTimer:
		s.timerWait.remove(t.key())
	case KindChild:
		s.childWait.remove(t.key())
		s.pids.remove(t.pid(), h)
	}
}

func (s *Scheduler) enqueue(h Handle, t *task) {
	t.where = resReady
	t.seq = s.nextSeq()
	s.ready.push(h, t.seq)
}

// Cancel removes a task from wherever it is. Once Cancel returns the task's
// callback will not run. Stale handles are ignored.
func (s *Scheduler) Cancel(h Handle) {
	t := s.arena.get(h)
	if t == nil {
		s.log.Debug("scheduler: cancel of unknown task", "handle", h)
		return
	}
	s.retire(h, t)
}

// CancelRead cancels the Read task waiting on fd together with its Write sibling.
func (s *Scheduler) CancelRead(fd int) {
	reg, ok := s.io[fd]
	if !ok || reg.read.IsZero() {
		s.log.Debug("scheduler: no read task on fd", "fd", fd)
		return
	}
	r, w := reg.read, reg.write
	if !w.IsZero() {
		s.Cancel(w)
	}
	s.Cancel(r)
}

// retire removes a task from its current structure and returns its record to
// the free list, closing its descriptor when it owes one.
func (s *Scheduler) retire(h Handle, t *task) {
	switch t.where {
	case resWaiting:
		s.leaveWait(h, t)
	case resReady:
		s.ready.forget()
	}
	if t.origin == KindRead || t.origin == KindWrite {
		p := t.payload.(FDPayload)
		s.releaseFD(p.FD, p.CloseOnRetire)
	}
	if t.origin == KindShutdownTimer {
		s.shutdownTimers--
	}
	if h == s.timerTask {
		s.timerTask = Handle{}
	}
	if h == s.wakeTask {
		s.wakeTask = Handle{}
	}
	s.arena.release(h)
}

// releaseFD drops one task reference to fd and closes it once the last
// reference is gone and any of them asked for it.
func (s *Scheduler) releaseFD(fd int, closeIt bool) {
	if fd < 0 {
		return
	}
	if closeIt {
		s.closePending[fd] = true
	}
	if n := s.fdRefs[fd] - 1; n > 0 {
		s.fdRefs[fd] = n
		return
	}
	delete(s.fdRefs, fd)
	if !s.closePending[fd] {
		return
	}
	delete(s.closePending, fd)
	s.dropFD(fd)
	if err := closeFD(fd); err != nil {
		s.log.Info("scheduler: close failed", "fd", fd, "error", err)
	}
}

// CloseFD marks the descriptor of a Read/Write task to be closed exactly once,
// when the last task using it is retired.
func (s *Scheduler) CloseFD(h Handle) {
	t := s.arena.get(h)
	if t == nil {
		s.log.Debug("scheduler: close_fd on unknown task", "handle", h)
		return
	}
	p, ok := t.payload.(FDPayload)
	if !ok {
		s.log.Debug("scheduler: close_fd on task without fd", "handle", h, "kind", t.kind)
		return
	}
	p.CloseOnRetire = true
	t.payload = p
}

// RescheduleTimeout re-keys a waiting task to now+timeout without touching its
// fd registration. NoTimeout removes the deadline.
func (s *Scheduler) RescheduleTimeout(h Handle, timeout time.Duration) error {
	return s.rekey(h, s.after(timeout))
}

// UpdateTimer re-keys a waiting Timer or ShutdownTimer to now+delay. A timer
// that already fired is left to run.
func (s *Scheduler) UpdateTimer(h Handle, delay time.Duration) {
	t := s.arena.get(h)
	if t == nil || t.where != resWaiting || (t.origin != KindTimer && t.origin != KindShutdownTimer) {
		return
	}
	d := s.after(delay)
	if d == t.deadline {
		return
	}
	_ = s.rekey(h, d)
}

// RequeueRead re-keys the Read task waiting on fd to an absolute deadline.
func (s *Scheduler) RequeueRead(fd int, deadline Deadline) {
	reg, ok := s.io[fd]
	if !ok || reg.read.IsZero() {
		return
	}
	_ = s.rekey(reg.read, deadline)
}

func (s *Scheduler) rekey(h Handle, deadline Deadline) error {
	t := s.arena.get(h)
	if t == nil {
		s.log.Debug("scheduler: reschedule of unknown task", "handle", h)
		return ErrStaleHandle
	}
	if t.where != resWaiting {
		return ErrNotWaiting
	}
	idx := s.indexFor(t.origin)
	idx.remove(t.key())
	t.deadline = deadline
	t.seq = s.nextSeq()
	idx.insert(t.key(), h)
	return nil
}

func (s *Scheduler) indexFor(k Kind) *waitIndex {
	switch k {
	case KindRead:
		return s.readWait
	case KindWrite:
		return s.writeWait
	case KindChild:
		return s.childWait
	default:
		return s.timerWait
	}
}

// ChildrenReschedule gives every tracked child a new callback and timeout.
func (s *Scheduler) ChildrenReschedule(cb Callback, timeout time.Duration) {
	deadline := s.after(timeout)
	for _, h := range s.childWait.handles() {
		t := s.arena.get(h)
		if t == nil {
			continue
		}
		t.cb = cb
		_ = s.rekey(h, deadline)
	}
}

// NotifyChildExited fires the task awaiting pid with ChildTerminated. Pids
// nobody waits for are ignored.
func (s *Scheduler) NotifyChildExited(pid int, status int) {
	h, ok := s.pids.lookup(pid)
	if !ok {
		s.log.Debug("scheduler: exit of untracked child", "pid", pid, "status", status)
		return
	}
	t := s.arena.get(h)
	if t == nil {
		s.pids.remove(pid, h)
		return
	}
	s.childWait.remove(t.key())
	t.payload = ChildPayload{PID: pid, Status: status}
	s.moveReady(h, t, KindChildTerminated)
}

// moveReady finishes taking a task off the wait path after its wait-index
// entry is gone, and queues it with the kind recording why it fired.
func (s *Scheduler) moveReady(h Handle, t *task, kind Kind) {
	switch t.origin {
	case KindRead:
		s.detachIO(t.fd(), dirRead, h)
	case KindWrite:
		s.detachIO(t.fd(), dirWrite, h)
	case KindChild:
		s.pids.remove(t.pid(), h)
	}
	if t.origin != KindShutdownTimer {
		t.kind = kind
	}
	s.enqueue(h, t)
}

// Lookup returns the current view of a live task.
func (s *Scheduler) Lookup(h Handle) (View, bool) {
	t := s.arena.get(h)
	if t == nil {
		return View{}, false
	}
	return t.view(h), true
}

// Stats is a snapshot of the scheduler's bookkeeping.
type Stats struct {
	Allocated     uint64 `yaml:"allocated"` // records ever allocated
	Free          int    `yaml:"free"`      // records on the free list
	Live          int    `yaml:"live"`      // records in use
	Waiting       int    `yaml:"waiting"`
	Ready         int    `yaml:"ready"`
	Children      int    `yaml:"children"`
	Registrations int    `yaml:"registrations"`
	Dispatched    uint64 `yaml:"dispatched"`
}

// Stats returns allocation and queue counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Allocated:     s.arena.allocs,
		Free:          s.arena.freeCount(),
		Live:          s.arena.live(),
		Waiting:       s.readWait.size() + s.writeWait.size() + s.timerWait.size() + s.childWait.size(),
		Ready:         s.ready.len(),
		Children:      s.pids.size(),
		Registrations: len(s.io),
		Dispatched:    s.dispatched,
	}
}

// EnableTrace opens the given file path for CSV logging of dispatches.
func (s *Scheduler) EnableTrace(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)

	// write header
	w.Write([]string{"timestamp", "task_id", "kind", "signal", "took_us"})
	w.Flush()
	s.traceFile = f
	s.traceWriter = w
	return nil
}

func (s *Scheduler) trace(ev DispatchEvent) {
	if s.traceWriter == nil {
		return
	}
	rec := []string{
		ev.Time.Format(time.RFC3339Nano),
		strconv.FormatUint(ev.TaskID, 10),
		ev.Kind.String(),
		ev.Signal.String(),
		strconv.FormatInt(ev.Took.Microseconds(), 10),
	}
	s.traceWriter.Write(rec)
	s.traceWriter.Flush()
}

// Cleanup retires every live task, closing descriptors that asked for it,
// and leaves the OS handles in place so the scheduler can be reused (for
// example across a configuration reload).
func (s *Scheduler) Cleanup() {
	if s.state == StateDestroyed {
		return
	}
	prev := s.state
	s.state = StateDraining
	s.drainAll()
	if err := s.addBaseTasks(); err != nil {
		s.log.Error("scheduler: re-registering base tasks failed", "error", err)
	}
	s.shuttingDown = false
	if prev == StateRunning {
		s.state = StateRunning
	} else {
		s.state = StateInitialized
	}
}

func (s *Scheduler) drainAll() {
	for _, idx := range []*waitIndex{s.readWait, s.writeWait, s.timerWait, s.childWait} {
		for _, h := range idx.handles() {
			if t := s.arena.get(h); t != nil {
				s.retire(h, t)
			}
		}
		idx.clear()
	}
	for {
		h, ok := s.ready.pop(s.readyValid)
		if !ok {
			break
		}
		t := s.arena.get(h)
		t.where = resRunning
		s.retire(h, t)
	}
	s.pids.clear()
	for fd := range s.io {
		s.dropFD(fd)
	}
	s.timerTask, s.wakeTask = Handle{}, Handle{}
	s.armed = Never
	if s.timerSrc != nil {
		if err := s.timerSrc.disarm(); err != nil {
			s.log.Debug("scheduler: disarming timer source failed", "error", err)
		}
	}
}

// Destroy retires everything, releases the OS handles and drops every task
// record including the free list. It is idempotent.
func (s *Scheduler) Destroy() error {
	if s.state == StateDestroyed {
		return nil
	}
	s.state = StateDraining
	s.drainAll()
	s.wakeMu.Lock()
	s.closed = true
	err := s.releaseHandles()
	s.wakeMu.Unlock()
	s.arena.reset()
	if s.traceFile != nil {
		s.traceWriter.Flush()
		s.traceFile.Close()
		s.traceFile, s.traceWriter = nil, nil
	}
	s.state = StateDestroyed
	return err
}

func (s *Scheduler) releaseHandles() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if s.timerSrc != nil {
		keep(s.timerSrc.close())
	}
	if s.wakeSrc != nil {
		keep(s.wakeSrc.close())
	}
	if s.poller != nil {
		keep(s.poller.close())
	}
	return first
}
