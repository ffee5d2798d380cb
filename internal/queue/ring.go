package queue

import (
	"math/bits"
	"sync/atomic"
)

// Ring is a fixed-size overwrite ring indexed by a monotonically
// increasing sequence number. It backs the sliding-window pipeline
// stage buffers: the pipeline's iteration-counting invariant guarantees
// a slot is never overwritten before its consumer has read it, so Put
// may overwrite unconditionally. Each slot is an atomic pointer, which
// gives the cross-stage happens-before edge for the token itself.
type Ring[T any] struct {
	slots []atomic.Pointer[T]
	mask  uint64
}

// NewRing creates a ring with at least the given capacity (rounded up
// to a power of two).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	n := uint64(1) << bits.Len64(uint64(capacity-1))
	if n < 1 {
		n = 1
	}
	return &Ring[T]{
		slots: make([]atomic.Pointer[T], n),
		mask:  n - 1,
	}
}

// Cap reports the slot count.
func (r *Ring[T]) Cap() int { return len(r.slots) }

// Put stores v at sequence number seq, overwriting whatever occupied
// the slot (ring-buffer semantics).
func (r *Ring[T]) Put(seq uint64, v *T) {
	r.slots[seq&r.mask].Store(v)
}

// Get loads the value most recently stored for sequence number seq.
// The caller must ensure, via external ordering, that the producer for
// seq has already published and that seq has not been lapped.
func (r *Ring[T]) Get(seq uint64) *T {
	return r.slots[seq&r.mask].Load()
}

// Take loads and clears the slot for seq.
func (r *Ring[T]) Take(seq uint64) *T {
	return r.slots[seq&r.mask].Swap(nil)
}
