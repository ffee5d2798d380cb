package sched

import (
	"runtime"
	"sync/atomic"
)

// The task state word packs the whole lifecycle into one atomic uint64
// so that the ready check is a single masked compare and every
// transition is one CAS:
//
//	bits  0..31  reference counter
//	bits 32..55  predecessor counter
//	bits 56..63  flags
//
// A task is ready exactly when (word & readyMask) == 0: no outstanding
// predecessors, launched, bound, not running, not finished and (for
// cancelable tasks) no cancel request pending.
const (
	refUnit  uint64 = 1
	refMask  uint64 = 1<<32 - 1
	predUnit uint64 = 1 << 32
	predMask uint64 = (1<<24 - 1) << 32

	flagUnlaunched   uint64 = 1 << 56
	flagUnbound      uint64 = 1 << 57
	flagRunning      uint64 = 1 << 58
	flagCompleted    uint64 = 1 << 59
	flagCanceled     uint64 = 1 << 60
	flagCancelReq    uint64 = 1 << 61
	flagLocked       uint64 = 1 << 62
	flagInReadyCache uint64 = 1 << 63

	flagTerminal = flagCompleted | flagCanceled

	readyMask = predMask | flagUnlaunched | flagUnbound |
		flagRunning | flagTerminal | flagCancelReq
	readyMaskNonCancelable = readyMask &^ flagCancelReq
)

type stateWord struct {
	w atomic.Uint64
}

func (s *stateWord) init(bound bool) {
	w := flagUnlaunched | refUnit
	if !bound {
		w |= flagUnbound
	}
	s.w.Store(w)
}

func (s *stateWord) load() uint64 { return s.w.Load() }

func terminal(w uint64) bool  { return w&flagTerminal != 0 }
func canceled(w uint64) bool  { return w&flagCanceled != 0 }
func launched(w uint64) bool  { return w&flagUnlaunched == 0 }
func preds(w uint64) uint64   { return (w & predMask) >> 32 }
func refs(w uint64) uint64    { return w & refMask }
func cancelReq(w uint64) bool { return w&flagCancelReq != 0 }

// readySnapshot reports whether the snapshot satisfies the ready check.
// Cancel requests do not block readiness here: a canceled-but-ready
// task still has to reach the scheduler so setRunning can convert the
// request into a terminal transition and drain its successors.
func readySnapshot(w uint64) bool {
	return w&readyMaskNonCancelable == 0
}

// addPredecessor increments the predecessor and reference counters
// together. Adding an edge to an already launched task is a fatal API
// error unless dynamic is set (used only by finish-after stubs).
func (s *stateWord) addPredecessor(dynamic bool) {
	for {
		w := s.w.Load()
		if terminal(w) {
			apiPanic("addPredecessor", "task already finished")
		}
		if launched(w) && !dynamic {
			apiPanic("addPredecessor", "task already launched")
		}
		if preds(w) == predMask>>32 {
			apiPanic("addPredecessor", "predecessor counter overflow")
		}
		if s.w.CompareAndSwap(w, w+predUnit+refUnit) {
			return
		}
	}
}

// removePredecessor decrements the predecessor counter and returns the
// new snapshot atomically.
func (s *stateWord) removePredecessor() uint64 {
	w := s.w.Add(^uint64(predUnit - 1)) // fetch-sub of predUnit
	if preds(w) == predMask>>32 {
		apiPanic("removePredecessor", "predecessor counter underflow")
	}
	return w
}

// setLaunched clears the unlaunched bit iff the task is bound. Returns
// whether this call performed the transition.
func (s *stateWord) setLaunched(incRef bool) bool {
	for {
		w := s.w.Load()
		if w&flagUnbound != 0 {
			apiPanic("launch", "task has unbound arguments")
		}
		if w&flagUnlaunched == 0 {
			return false
		}
		next := w &^ flagUnlaunched
		if incRef {
			next += refUnit
		}
		if s.w.CompareAndSwap(w, next) {
			return true
		}
	}
}

// setBound clears the unbound bit once every argument slot is filled.
func (s *stateWord) setBound() {
	for {
		w := s.w.Load()
		if w&flagUnbound == 0 {
			return
		}
		if s.w.CompareAndSwap(w, w&^flagUnbound) {
			return
		}
	}
}

// setRunning sets the running bit iff it is not already set and no
// cancel request is pending (non-cancelable tasks ignore stale
// requests). Exactly one claimant succeeds: when a Cancel races the
// scheduler for a launched-but-unstarted task, only one of them owns
// the terminal transition.
func (s *stateWord) setRunning(cancelable bool) bool {
	for {
		w := s.w.Load()
		if terminal(w) || w&flagRunning != 0 {
			return false
		}
		if cancelable && cancelReq(w) {
			return false
		}
		if s.w.CompareAndSwap(w, w|flagRunning) {
			return true
		}
	}
}

// setRunningAnonymous is the reduced encoding for tasks never handed
// out to user code: nobody can observe the intermediate state, so a
// plain store suffices.
func (s *stateWord) setRunningAnonymous() {
	s.w.Store(s.w.Load() | flagRunning)
}

// setFinished atomically sets the terminal flag, drops one reference
// and clears the lock bit. Returns the new snapshot.
func (s *stateWord) setFinished(asCanceled bool) uint64 {
	for {
		w := s.w.Load()
		if terminal(w) {
			apiPanic("finish", "double terminal transition")
		}
		if refs(w) == 0 {
			apiPanic("finish", "reference counter underflow")
		}
		next := (w &^ (flagRunning | flagLocked)) - refUnit
		if asCanceled {
			next |= flagCanceled
		} else {
			next |= flagCompleted
		}
		if s.w.CompareAndSwap(w, next) {
			return next
		}
	}
}

// setCancelRequest is a fetch-or on the cancel-request bit. Reports
// whether the caller was the first requester on a not-yet-finished
// task.
func (s *stateWord) setCancelRequest() bool {
	for {
		w := s.w.Load()
		if terminal(w) || cancelReq(w) {
			return false
		}
		if s.w.CompareAndSwap(w, w|flagCancelReq) {
			return true
		}
	}
}

// lock spins on the packed lock bit. Critical sections guarded by it
// are O(1), so contention is brief by construction.
func (s *stateWord) lock() {
	for spins := 0; ; spins++ {
		w := s.w.Load()
		if w&flagLocked == 0 && s.w.CompareAndSwap(w, w|flagLocked) {
			return
		}
		if spins > 16 {
			runtime.Gosched()
		}
	}
}

func (s *stateWord) unlock() {
	for {
		w := s.w.Load()
		if w&flagLocked == 0 {
			apiPanic("unlock", "not locked")
		}
		if s.w.CompareAndSwap(w, w&^flagLocked) {
			return
		}
	}
}

// ref / unref maintain the shared-handle reference counter. Handles in
// Go are garbage collected; the counter is kept because the lifecycle
// invariants (never underflow, monotone zeroing toward terminal) are
// part of the contract and are asserted in tests.
func (s *stateWord) ref() { s.w.Add(refUnit) }

func (s *stateWord) unref() uint64 {
	w := s.w.Add(^uint64(0)) // -1 on the ref field
	if refs(w) == refMask {
		apiPanic("unref", "reference counter underflow")
	}
	return w
}
