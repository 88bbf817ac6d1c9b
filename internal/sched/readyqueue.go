package sched

import (
	"github.com/eapache/queue"
)

// readyQueue is the FIFO of fired tasks. Removal by handle is O(1): the
// entry stays in the ring and is skipped on pop because its record no longer
// resides in the queue (or its generation moved on).
type readyQueue struct {
	q    *queue.Queue
	live int
}

func newReadyQueue() *readyQueue {
	return &readyQueue{q: queue.New()}
}

type readyEntry struct {
	h   Handle
	seq uint64
}

func (r *readyQueue) push(h Handle, seq uint64) {
	r.q.Add(readyEntry{h: h, seq: seq})
	r.live++
}

// pop returns the next entry accepted by valid, discarding tombstones.
func (r *readyQueue) pop(valid func(readyEntry) bool) (Handle, bool) {
	for r.q.Length() > 0 {
		e := r.q.Remove().(readyEntry)
		if !valid(e) {
			continue
		}
		r.live--
		return e.h, true
	}
	return Handle{}, false
}

// popUpTo is pop restricted to entries queued with a sequence number no
// greater than limit. Tombstones in front are discarded either way.
func (r *readyQueue) popUpTo(limit uint64, valid func(readyEntry) bool) (Handle, bool) {
	for r.q.Length() > 0 {
		e := r.q.Peek().(readyEntry)
		if !valid(e) {
			r.q.Remove()
			continue
		}
		if e.seq > limit {
			return Handle{}, false
		}
		r.q.Remove()
		r.live--
		return e.h, true
	}
	return Handle{}, false
}

// forget accounts for an entry removed by handle; its slot in the ring
// becomes a tombstone.
func (r *readyQueue) forget() {
	if r.live > 0 {
		r.live--
	}
	if r.live == 0 {
		for r.q.Length() > 0 {
			r.q.Remove()
		}
	}
}

func (r *readyQueue) len() int { return r.live }

// entries returns the queued entries, tombstones included, in FIFO order.
func (r *readyQueue) entries() []readyEntry {
	out := make([]readyEntry, 0, r.q.Length())
	for i := 0; i < r.q.Length(); i++ {
		out = append(out, r.q.Get(i).(readyEntry))
	}
	return out
}
