package sched

import (
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
)

// pidIndex locates the Child task awaiting a pid. Every entry is also present
// in the child wait index.
type pidIndex struct {
	rbt *redblacktree.Tree
}

func newPidIndex() *pidIndex {
	return &pidIndex{rbt: redblacktree.NewWith(utils.IntComparator)}
}

func (p *pidIndex) insert(pid int, h Handle) bool {
	if _, found := p.rbt.Get(pid); found {
		return false
	}
	p.rbt.Put(pid, h)
	return true
}

func (p *pidIndex) lookup(pid int) (Handle, bool) {
	v, found := p.rbt.Get(pid)
	if !found {
		return Handle{}, false
	}
	return v.(Handle), true
}

// remove drops pid only if it still maps to h.
func (p *pidIndex) remove(pid int, h Handle) bool {
	cur, found := p.lookup(pid)
	if !found || cur != h {
		return false
	}
	p.rbt.Remove(pid)
	return true
}

func (p *pidIndex) size() int { return p.rbt.Size() }

func (p *pidIndex) clear() { p.rbt.Clear() }
