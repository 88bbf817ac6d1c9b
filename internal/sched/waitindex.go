// internal/sched/waitindex.go

package sched

import (
	"github.com/emirpasic/gods/trees/redblacktree"
)

// waitKey orders a wait index: by deadline, then by insertion sequence so
// equal deadlines fire in registration order.
type waitKey struct {
	deadline Deadline
	seq      uint64
}

// cmpWait implements the Comparable interface for red-black tree ordering.
func cmpWait(a, b any) int {
	ka, kb := a.(waitKey), b.(waitKey)
	switch {
	case ka.deadline < kb.deadline:
		return -1
	case ka.deadline > kb.deadline:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// waitIndex is a deadline-ordered set of task handles. The minimum is cached
// so peek is constant time; insert and remove are logarithmic.
type waitIndex struct {
	name string
	rbt  *redblacktree.Tree

	hasMin bool
	minKey waitKey
	minVal Handle
}

func newWaitIndex(name string) *waitIndex {
	return &waitIndex{name: name, rbt: redblacktree.NewWith(cmpWait)}
}

func (w *waitIndex) insert(k waitKey, h Handle) {
	w.rbt.Put(k, h)
	if !w.hasMin || cmpWait(k, w.minKey) < 0 {
		w.hasMin, w.minKey, w.minVal = true, k, h
	}
}

// remove drops k and reports whether it was present.
func (w *waitIndex) remove(k waitKey) bool {
	if _, found := w.rbt.Get(k); !found {
		return false
	}
	w.rbt.Remove(k)
	if w.hasMin && w.minKey == k {
		w.refreshMin()
	}
	return true
}

func (w *waitIndex) refreshMin() {
	node := w.rbt.Left()
	if node == nil {
		w.hasMin = false
		w.minKey, w.minVal = waitKey{}, Handle{}
		return
	}
	w.hasMin, w.minKey, w.minVal = true, node.Key.(waitKey), node.Value.(Handle)
}

// peek returns the earliest entry.
func (w *waitIndex) peek() (waitKey, Handle, bool) {
	return w.minKey, w.minVal, w.hasMin
}

// earliest returns the nearest finite deadline, or Never.
func (w *waitIndex) earliest() Deadline {
	if !w.hasMin {
		return Never
	}
	return w.minKey.deadline
}

// popExpired removes, in order, every entry whose deadline is <= now and hands
// it to fn. It stops at the first entry that has not expired; Never never expires.
func (w *waitIndex) popExpired(now Deadline, fn func(Handle)) int {
	n := 0
	for w.hasMin {
		k, h := w.minKey, w.minVal
		if k.deadline == Never || k.deadline > now {
			break
		}
		w.remove(k)
		fn(h)
		n++
	}
	return n
}

// handles returns every handle in deadline order.
func (w *waitIndex) handles() []Handle {
	out := make([]Handle, 0, w.rbt.Size())
	it := w.rbt.Iterator()
	for it.Next() {
		out = append(out, it.Value().(Handle))
	}
	return out
}

func (w *waitIndex) size() int { return w.rbt.Size() }

func (w *waitIndex) clear() {
	w.rbt.Clear()
	w.hasMin = false
	w.minKey, w.minVal = waitKey{}, Handle{}
}
