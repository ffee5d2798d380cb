// Package queue provides the lock-free FIFO queues used by the runtime:
// a bounded multi-producer multi-consumer queue for foreign task
// submission, an unbounded variant that links bounded nodes, and an
// overwrite ring used as the sliding-window pipeline stage buffer.
//
// The bounded queue follows the fetch-and-add ticket scheme of the
// Morrison–Afek / SCQ family: producers and consumers claim tickets with
// a single atomic add, and each slot carries a versioned state cell.
// Go has no native double-word CAS, so each slot is a 64-bit
// cycle+phase word next to a non-atomic value field; the value is only
// touched by the single ticket holder that wins the phase transition,
// and publication happens through the state store. A consumer that
// arrives before its producer advances the slot to the next cycle,
// which tells the slow producer to abandon the ticket (the safe-bit
// cancellation of the published scheme).
package queue

import (
	"errors"
	"math/bits"
	"runtime"
	"sync/atomic"
)

var (
	// ErrFull is returned by TryPut when the queue is at capacity.
	ErrFull = errors.New("queue: full")
	// ErrEmpty is returned by TryGet when no element is available.
	ErrEmpty = errors.New("queue: empty")
	// ErrClosed is returned once Close has been observed.
	ErrClosed = errors.New("queue: closed")
)

// Slot phases. A slot advances empty -> writing -> full within one
// cycle, then back to empty at the next cycle. The skip transition
// empty(c) -> empty(c+1) is taken by a consumer cancelling a slow
// producer.
const (
	slotEmpty uint64 = iota
	slotWriting
	slotFull

	phaseBits = 2
	phaseMask = 1<<phaseBits - 1
)

func slotState(cycle uint64, phase uint64) uint64 {
	return cycle<<phaseBits | phase
}

const cacheLinePad = 64

// slot pairs the versioned state cell with the transported value.
type slot[T any] struct {
	state atomic.Uint64
	val   T
}

// Bounded is a bounded, lock-free, FIFO MPMC queue. The zero value is
// not usable; construct with NewBounded.
type Bounded[T any] struct {
	_     [cacheLinePad]byte
	tail  atomic.Uint64
	_     [cacheLinePad - 8]byte
	head  atomic.Uint64
	_     [cacheLinePad - 8]byte
	slots []slot[T]
	mask  uint64
	shift uint
	cap   uint64

	// closed rejects further producers; drained consumers see ErrClosed.
	closed atomic.Bool
}

// NewBounded creates a queue with capacity rounded up to a power of two.
func NewBounded[T any](capacity int) *Bounded[T] {
	if capacity < 2 {
		capacity = 2
	}
	n := uint64(1) << bits.Len64(uint64(capacity-1))
	return &Bounded[T]{
		slots: make([]slot[T], n),
		mask:  n - 1,
		shift: uint(bits.TrailingZeros64(n)),
		cap:   n,
	}
}

// Cap reports the effective capacity.
func (q *Bounded[T]) Cap() int { return int(q.cap) }

// Len reports an instantaneous (racy) element count estimate.
func (q *Bounded[T]) Len() int {
	head := q.head.Load()
	tail := q.tail.Load()
	if tail <= head {
		return 0
	}
	n := tail - head
	if n > q.cap {
		n = q.cap
	}
	return int(n)
}

// Close marks the queue closed. Pending elements remain retrievable;
// producers fail with ErrClosed.
func (q *Bounded[T]) Close() { q.closed.Store(true) }

// Closed reports whether Close has been called.
func (q *Bounded[T]) Closed() bool { return q.closed.Load() }

// TryPut enqueues v without blocking. The fast path is a single
// fetch-add on the tail; a failed slot claim (cancelled by a racing
// consumer) retries with a fresh ticket.
func (q *Bounded[T]) TryPut(v T) error {
	for {
		if q.closed.Load() {
			return ErrClosed
		}
		tail := q.tail.Load()
		head := q.head.Load()
		if tail >= head+q.cap {
			return ErrFull
		}
		t := q.tail.Add(1) - 1
		s := &q.slots[t&q.mask]
		cycle := t >> q.shift
		if s.state.CompareAndSwap(slotState(cycle, slotEmpty), slotState(cycle, slotWriting)) {
			s.val = v
			s.state.Store(slotState(cycle, slotFull))
			return nil
		}
		// Ticket abandoned: either the slot still belongs to the
		// previous cycle (transient) or a consumer skipped it.
		runtime.Gosched()
	}
}

// Put enqueues v, spinning with backoff while the queue is full.
func (q *Bounded[T]) Put(v T) error {
	for spins := 0; ; spins++ {
		err := q.TryPut(v)
		if err != ErrFull {
			return err
		}
		if spins < 32 {
			runtime.Gosched()
		} else {
			// Long stall: the queue is genuinely saturated.
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryGet dequeues one element without blocking.
func (q *Bounded[T]) TryGet() (T, error) {
	var zero T
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		if head >= tail {
			if q.closed.Load() && q.head.Load() >= q.tail.Load() {
				return zero, ErrClosed
			}
			return zero, ErrEmpty
		}
		h := q.head.Add(1) - 1
		s := &q.slots[h&q.mask]
		cycle := h >> q.shift
		for {
			st := s.state.Load()
			switch st {
			case slotState(cycle, slotFull):
				v := s.val
				s.val = zero
				s.state.Store(slotState(cycle+1, slotEmpty))
				return v, nil
			case slotState(cycle, slotWriting):
				// Producer mid-publication; it is the unique writer.
				runtime.Gosched()
				continue
			case slotState(cycle, slotEmpty):
				// Cancel the slow producer: advance the slot a full
				// cycle so its claim CAS fails and it re-tickets.
				if s.state.CompareAndSwap(st, slotState(cycle+1, slotEmpty)) {
					// This ticket yielded nothing; take another.
					break
				}
				continue
			default:
				// Slot lags a previous cycle; the earlier ticket
				// holders are obligated to advance it.
				runtime.Gosched()
				continue
			}
			break
		}
	}
}

// Get dequeues one element, spinning while the queue is empty. Returns
// ErrClosed once the queue is closed and drained.
func (q *Bounded[T]) Get() (T, error) {
	for {
		v, err := q.TryGet()
		if err != ErrEmpty {
			return v, err
		}
		runtime.Gosched()
	}
}
