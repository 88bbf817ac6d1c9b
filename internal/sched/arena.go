package sched

import (
	"github.com/emirpasic/gods/stacks/arraystack"
)

// arena owns every task record. Retired records go on the free list and are
// handed out again before anything new is allocated; each reuse bumps the
// record generation so handles to the previous occupant go stale.
type arena struct {
	slots  []*task
	free   *arraystack.Stack // of uint32 slot numbers
	limit  int
	allocs uint64
	nextID uint64
}

func newArena(limit int) *arena {
	return &arena{free: arraystack.New(), limit: limit, nextID: 1}
}

// alloc returns a zeroed record, recycled when possible.
func (a *arena) alloc() (Handle, *task, error) {
	var slot uint32
	if v, ok := a.free.Pop(); ok {
		slot = v.(uint32)
	} else {
		if a.limit > 0 && len(a.slots) >= a.limit {
			return Handle{}, nil, ErrExhausted
		}
		slot = uint32(len(a.slots))
		a.slots = append(a.slots, &task{})
		a.allocs++
	}
	t := a.slots[slot]
	gen := t.gen + 1
	if gen == 0 {
		gen = 1
	}
	*t = task{id: a.nextID, gen: gen, kind: KindUnused, where: resFree}
	a.nextID++
	return Handle{slot: slot, gen: gen}, t, nil
}

// get resolves a handle, returning nil for stale or retired handles.
func (a *arena) get(h Handle) *task {
	if h.gen == 0 || int(h.slot) >= len(a.slots) {
		return nil
	}
	t := a.slots[h.slot]
	if t.gen != h.gen || t.kind == KindUnused {
		return nil
	}
	return t
}

// release puts the record behind h back on the free list.
func (a *arena) release(h Handle) {
	t := a.slots[h.slot]
	gen := t.gen + 1
	if gen == 0 {
		gen = 1
	}
	*t = task{gen: gen, kind: KindUnused, where: resFree}
	a.free.Push(h.slot)
}

func (a *arena) freeCount() int { return a.free.Size() }

func (a *arena) live() int { return len(a.slots) - a.free.Size() }

// reset drops every record, free list included.
func (a *arena) reset() {
	a.slots = nil
	a.free.Clear()
}
