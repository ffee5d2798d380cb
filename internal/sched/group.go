package sched

import (
	"errors"
	"math/bits"
	"sync"
	"sync/atomic"
)

// Group flag bits.
const (
	groupCanceled uint32 = 1 << iota
	groupLeaf
	groupPFor
)

// maxLeafGroups bounds the leaf id pool; signatures are 64-bit
// membership bitmaps, so at most 64 leaf groups can be live per
// scheduler. Meets and parallel-for groups do not consume ids.
const maxLeafGroups = 64

// Group aggregates tasks for bulk cancellation, exception propagation
// and completion waiting. Groups form a lattice: the ancestor relation
// is signature subset, and the meet (intersection) of two groups is
// cached by its signature.
type Group struct {
	s    *Scheduler
	name string
	sig  uint64

	flags atomic.Uint32

	// cntMu guards taskCount, parentSees and trigger. Count deltas
	// propagate to parents only on 0<->1 transitions; locking order is
	// strictly child -> parent, which the lattice's acyclicity makes
	// deadlock-free.
	cntMu      sync.Mutex
	taskCount  int64
	parentSees bool
	trigger    *Task

	// lattice topology, guarded by the scheduler's lattice lock
	parents  []*Group
	children []*Group

	// meetDB lives on leaves only and caches meets whose
	// smallest-id leaf ancestor is this group.
	meetDB map[uint64]*Group

	errMu sync.Mutex
	errs  []error
}

// NewGroup allocates a leaf group with a fresh id from the pool.
func (s *Scheduler) NewGroup(name string) *Group {
	s.latticeMu.Lock()
	defer s.latticeMu.Unlock()
	id := -1
	for i := 0; i < maxLeafGroups; i++ {
		if s.leaves[i] == nil {
			id = i
			break
		}
	}
	if id < 0 {
		apiPanic("NewGroup", "leaf group id pool exhausted (%d live leaves)", maxLeafGroups)
	}
	g := &Group{
		s:      s,
		name:   name,
		sig:    1 << uint(id),
		meetDB: make(map[uint64]*Group),
	}
	g.flags.Store(groupLeaf)
	s.leaves[id] = g
	return g
}

// ReleaseGroup returns a leaf's id to the pool. Valid only for empty
// leaf groups; the caller owns the lifecycle.
func (s *Scheduler) ReleaseGroup(g *Group) {
	if g.flags.Load()&groupLeaf == 0 {
		apiPanic("ReleaseGroup", "not a leaf group")
	}
	s.latticeMu.Lock()
	defer s.latticeMu.Unlock()
	id := bits.TrailingZeros64(g.sig)
	if s.leaves[id] == g {
		s.leaves[id] = nil
	}
}

// Meet returns the intersection of a and b, creating and caching it on
// first use. Idempotent and commutative: the cache guarantees the same
// object for the same signature.
func (s *Scheduler) Meet(a, b *Group) *Group {
	if a == nil || b == nil {
		apiPanic("Meet", "nil group operand")
	}
	if a == b {
		return a
	}
	if a.s != s || b.s != s {
		apiPanic("Meet", "groups belong to different schedulers")
	}
	sig := a.sig | b.sig
	if sig == a.sig {
		return a // b's signature is a subset: a is already the meet
	}
	if sig == b.sig {
		return b
	}

	s.latticeMu.Lock()
	defer s.latticeMu.Unlock()
	owner := s.leaves[bits.TrailingZeros64(sig)]
	if owner == nil {
		apiPanic("Meet", "owning leaf released while meet still referenced")
	}
	if g, ok := owner.meetDB[sig]; ok {
		return g
	}
	g := &Group{s: s, sig: sig, parents: []*Group{a, b}}
	if a.name != "" || b.name != "" {
		g.name = a.name + "&" + b.name
	}
	a.children = append(a.children, g)
	b.children = append(b.children, g)
	if a.flags.Load()&groupCanceled != 0 || b.flags.Load()&groupCanceled != 0 {
		g.flags.Store(groupCanceled)
	}
	owner.meetDB[sig] = g
	return g
}

// newPForGroup creates a meet-like group tied to one parent, used for
// bulk cancellation of a partitioned loop. It shares the parent's
// signature and does not consume a leaf id.
func (s *Scheduler) newPForGroup(parent *Group) *Group {
	g := &Group{s: s, sig: 0}
	g.flags.Store(groupPFor)
	if parent != nil {
		g.sig = parent.sig
		g.parents = []*Group{parent}
		s.latticeMu.Lock()
		parent.children = append(parent.children, g)
		if parent.flags.Load()&groupCanceled != 0 {
			g.flags.Store(groupPFor | groupCanceled)
		}
		s.latticeMu.Unlock()
	}
	return g
}

// NewPForGroup exposes loop-group creation to the dispatchers.
func (s *Scheduler) NewPForGroup(parent *Group) *Group { return s.newPForGroup(parent) }

// Name returns the group's optional name.
func (g *Group) Name() string { return g.name }

// Signature returns the membership bitmap.
func (g *Group) Signature() uint64 { return g.sig }

// IsAncestorOf reports the lattice ancestor relation: signature subset.
func (g *Group) IsAncestorOf(other *Group) bool {
	return g.sig&other.sig == g.sig && g.sig != other.sig
}

// Canceled reports whether the group was canceled (directly or through
// an ancestor).
func (g *Group) Canceled() bool { return g.flags.Load()&groupCanceled != 0 }

// Cancel marks this group and, transitively, every descendant as
// canceled. Non-blocking: running tasks observe the mark at their next
// cooperative abort point.
func (g *Group) Cancel() {
	g.s.latticeMu.Lock()
	g.cancelLocked()
	g.s.latticeMu.Unlock()
}

func (g *Group) cancelLocked() {
	for {
		f := g.flags.Load()
		if f&groupCanceled != 0 {
			return // descendants already marked by the earlier walk
		}
		if g.flags.CompareAndSwap(f, f|groupCanceled) {
			break
		}
	}
	for _, c := range g.children {
		c.cancelLocked()
	}
}

// addTask accounts one task entering the group. The delta propagates up
// the lattice only on the 0->1 transition, guarded by parentSees so a
// bouncing counter cannot double-propagate.
func (g *Group) addTask() {
	g.cntMu.Lock()
	g.taskCount++
	if g.taskCount == 1 && !g.parentSees {
		g.parentSees = true
		for _, p := range g.parents {
			p.addTask()
		}
	}
	g.cntMu.Unlock()
}

// removeTask accounts one task leaving; on the 1->0 transition the
// delta propagates up and the trigger task (if armed) launches.
func (g *Group) removeTask() {
	g.cntMu.Lock()
	g.taskCount--
	if g.taskCount < 0 {
		g.cntMu.Unlock()
		apiPanic("group", "task counter underflow")
	}
	var trig *Task
	var parents []*Group
	if g.taskCount == 0 {
		if g.parentSees {
			g.parentSees = false
			parents = g.parents
		}
		trig = g.trigger
		g.trigger = nil
	}
	g.cntMu.Unlock()
	if trig != nil {
		// The trigger was held down by one synthetic predecessor.
		if nw := trig.state.removePredecessor(); readySnapshot(nw) {
			g.s.enqueue(trig)
		}
	}
	for _, p := range parents {
		p.removeTask()
	}
}

// taskFinished is the completion hook invoked by Task.complete.
func (g *Group) taskFinished(err error, asCanceled bool) {
	if asCanceled && err != nil {
		g.addError(err)
	}
	g.removeTask()
}

// addError accumulates a task failure on this group and its ancestors.
func (g *Group) addError(err error) {
	g.errMu.Lock()
	g.errs = append(g.errs, err)
	g.errMu.Unlock()
	for _, p := range g.parents {
		p.addError(err)
	}
}

// triggerTask returns a sentinel task that completes once the group's
// task count next reaches zero. If the group is already empty the
// sentinel is completed before return.
func (g *Group) triggerTask() *Task {
	g.cntMu.Lock()
	if g.trigger != nil {
		t := g.trigger
		g.cntMu.Unlock()
		return t
	}
	trig := g.s.newAnonymous(nil)
	if g.taskCount == 0 {
		g.cntMu.Unlock()
		trig.Launch(nil) // empty group: fires immediately
		return trig
	}
	trig.state.addPredecessor(false) // held down until the 1->0 transition
	g.trigger = trig
	g.cntMu.Unlock()
	trig.Launch(nil)
	return trig
}

// Wait blocks until every task currently in the group (and any added
// while waiting, until the count reaches zero) has reached a terminal
// state. Returns the accumulated failure: a single error, an aggregate,
// ErrCanceled for a plain cancellation, or nil.
func (g *Group) Wait(ec *ExecCtx) error {
	trig := g.triggerTask()
	g.s.waitDone(ec, trig.done)
	return g.failure()
}

func (g *Group) failure() error {
	g.errMu.Lock()
	errs := make([]error, len(g.errs))
	copy(errs, g.errs)
	g.errMu.Unlock()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if g.Canceled() {
		return ErrCanceled
	}
	return nil
}

// TaskCount reports the instantaneous outstanding-task count.
func (g *Group) TaskCount() int64 {
	g.cntMu.Lock()
	defer g.cntMu.Unlock()
	return g.taskCount
}
