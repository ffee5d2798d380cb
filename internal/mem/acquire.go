package mem

import (
	"sort"

	"github.com/mosaicrt/mosaic/internal/device"
)

// AcquireSet collects every buffer a task will touch and commits them
// atomically: all buffer locks are taken in id order, every request is
// checked for admissibility, and only if the whole set is grantable are
// the states flipped. Otherwise everything is backed out and the
// acquirer waits for the blocking buffer to change. All-or-wait commit
// rules out the partial-acquire deadlock where two tasks each hold half
// of the other's needs.
type AcquireSet struct {
	entries    []acqEntry
	nonLocking bool
	acquired   bool
}

type acqEntry struct {
	buf  *Buffer
	kind device.Kind
	mode Mode
	pre  bool
}

// NewAcquireSet returns an empty set.
func NewAcquireSet() *AcquireSet { return &AcquireSet{} }

// Add registers a request. Duplicate buffers merge into the strongest
// requested mode (wi > rw > ro) on the last-named device.
func (s *AcquireSet) Add(b *Buffer, kind device.Kind, mode Mode) {
	if s.acquired {
		panic("mem: Add on an acquired set")
	}
	for i := range s.entries {
		if s.entries[i].buf == b {
			if mode > s.entries[i].mode {
				s.entries[i].mode = mode
			}
			s.entries[i].kind = kind
			return
		}
	}
	s.entries = append(s.entries, acqEntry{buf: b, kind: kind, mode: mode})
}

// MarkPreAcquired flags b's arena as already materialized and held by a
// parent orchestrator: Acquire skips allocation and state flips for it.
func (s *AcquireSet) MarkPreAcquired(b *Buffer) {
	for i := range s.entries {
		if s.entries[i].buf == b {
			s.entries[i].pre = true
			return
		}
	}
}

// SetNonLocking puts the whole set in non-locking mode: the caller
// guarantees a parent orchestrator has serialized access and holds a
// real acquire over every buffer, so no state is flipped at all. Used
// by the parallel-for dispatcher and pipeline GPU stages for their
// child tasks.
func (s *AcquireSet) SetNonLocking() { s.nonLocking = true }

// Len reports the entry count.
func (s *AcquireSet) Len() int { return len(s.entries) }

// Acquire commits the set, blocking until every request is grantable.
func (s *AcquireSet) Acquire() {
	if s.acquired {
		panic("mem: double acquire of a set")
	}
	sort.Slice(s.entries, func(i, j int) bool {
		return s.entries[i].buf.id < s.entries[j].buf.id
	})

	if s.nonLocking {
		// No state flips: the parent's grant covers the set. Arenas are
		// still materialized and read entries seeded from the
		// authoritative copy.
		for _, e := range s.entries {
			if e.pre {
				continue
			}
			e.buf.mu.Lock()
			e.buf.ensureArenaLocked(e.kind)
			if e.mode != ModeWI {
				e.buf.syncArenaLocked(e.kind)
			}
			e.buf.mu.Unlock()
		}
		s.acquired = true
		return
	}

	for {
		blocker := s.tryCommit()
		if blocker == nil {
			s.acquired = true
			return
		}
		// Wait for the blocking buffer to change state, then retry the
		// whole set from scratch.
		blocker.mu.Lock()
		for !blocker.deviceAdmissibleLocked(s.modeFor(blocker)) {
			blocker.cond.Wait()
		}
		blocker.mu.Unlock()
	}
}

// tryCommit locks every buffer in id order, checks the full set, and
// flips all states if everything is admissible. Returns the first
// inadmissible buffer, or nil on success.
func (s *AcquireSet) tryCommit() *Buffer {
	locked := 0
	var blocker *Buffer
	for i := range s.entries {
		e := &s.entries[i]
		if e.pre {
			continue
		}
		e.buf.mu.Lock()
		locked = i + 1
		if !e.buf.deviceAdmissibleLocked(e.mode) {
			blocker = e.buf
			break
		}
	}
	if blocker == nil {
		for i := range s.entries {
			e := &s.entries[i]
			if !e.pre {
				e.buf.commitDeviceLocked(e.kind, e.mode)
			}
		}
	}
	for i := locked - 1; i >= 0; i-- {
		if !s.entries[i].pre {
			s.entries[i].buf.mu.Unlock()
		}
	}
	return blocker
}

func (s *AcquireSet) modeFor(b *Buffer) Mode {
	for _, e := range s.entries {
		if e.buf == b {
			return e.mode
		}
	}
	return ModeRO
}

// Release backs the set out. Safe to call on every exit path; releasing
// an unacquired or non-locking set is a no-op.
func (s *AcquireSet) Release() {
	if !s.acquired {
		return
	}
	s.acquired = false
	if s.nonLocking {
		return
	}
	for _, e := range s.entries {
		if e.pre {
			continue
		}
		e.buf.mu.Lock()
		e.buf.releaseDeviceLocked()
		e.buf.mu.Unlock()
	}
}
