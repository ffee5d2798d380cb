package hetero

import (
	"github.com/mosaicrt/mosaic/internal/device"
	"github.com/mosaicrt/mosaic/internal/mem"
)

// Access is the mode a buffer is acquired with.
type Access = mem.Mode

const (
	// ReadOnly grants shared read access; concurrent read-only
	// acquirers on the same device class may overlap.
	ReadOnly = mem.ModeRO

	// ReadWrite grants exclusive access with the current contents
	// synchronized in.
	ReadWrite = mem.ModeRW

	// WriteInvalidate grants exclusive access without synchronizing
	// stale copies; the acquirer promises to overwrite every element.
	WriteInvalidate = mem.ModeWI
)

// AcquireSet acquires a group of buffers for one device atomically:
// either every buffer is granted or none is, with buffers visited in
// a global order so overlapping sets never deadlock against each
// other.
type AcquireSet struct {
	set *mem.AcquireSet
}

// NewAcquireSet creates an empty set for the given device class.
func NewAcquireSet() *AcquireSet {
	return &AcquireSet{set: mem.NewAcquireSet()}
}

// Add registers b for acquisition on device kind k with the given
// access. Adding the same buffer twice merges to the stronger access.
func (s *AcquireSet) Add(b AnyBuffer, k device.Kind, access Access) {
	s.set.Add(b.rawBuf(), k, access)
}

// MarkPreAcquired records that b is already held by an enclosing
// scope; Acquire will not touch it.
func (s *AcquireSet) MarkPreAcquired(b AnyBuffer) { s.set.MarkPreAcquired(b.rawBuf()) }

// SetNonLocking makes Acquire allocate arenas without taking
// ownership, for callers nested under a scope that already holds the
// buffers.
func (s *AcquireSet) SetNonLocking() { s.set.SetNonLocking() }

// Len reports the number of distinct buffers in the set.
func (s *AcquireSet) Len() int { return s.set.Len() }

// Acquire blocks until every buffer in the set is granted together.
func (s *AcquireSet) Acquire() { s.set.Acquire() }

// Release returns every buffer acquired by Acquire.
func (s *AcquireSet) Release() { s.set.Release() }
