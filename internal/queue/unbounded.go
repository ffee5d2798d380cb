package queue

import (
	"sync"
	"sync/atomic"
)

// nodeCap is the per-node capacity of the unbounded variant. Small
// enough to keep idle queues cheap, large enough that node churn stays
// off the fast path.
const nodeCap = 256

// node is one bounded segment in the linked unbounded queue. Once a
// producer observes the segment full it closes the node and links a
// successor; dequeuers never reopen a closed node (explicit handoff
// instead of the reopen-on-empty of the original algorithm).
type node[T any] struct {
	buf  *Bounded[T]
	next atomic.Pointer[node[T]]
}

// Unbounded is an MPMC FIFO queue of linked bounded nodes.
type Unbounded[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	grow   sync.Mutex
	closed atomic.Bool
}

// NewUnbounded creates an empty unbounded queue.
func NewUnbounded[T any]() *Unbounded[T] {
	n := &node[T]{buf: NewBounded[T](nodeCap)}
	q := &Unbounded[T]{}
	q.head.Store(n)
	q.tail.Store(n)
	return q
}

// Close rejects further producers. Pending elements remain retrievable.
func (q *Unbounded[T]) Close() { q.closed.Store(true) }

// Put enqueues v, growing the node list when the tail node fills.
func (q *Unbounded[T]) Put(v T) error {
	for {
		if q.closed.Load() {
			return ErrClosed
		}
		tail := q.tail.Load()
		err := tail.buf.TryPut(v)
		switch err {
		case nil:
			return nil
		case ErrFull, ErrClosed:
			q.growTail(tail)
		}
	}
}

// growTail closes the full tail node and links a fresh one. The mutex
// only serializes node allocation; element transport stays lock-free.
func (q *Unbounded[T]) growTail(full *node[T]) {
	q.grow.Lock()
	defer q.grow.Unlock()
	if q.tail.Load() != full {
		return // another producer already grew the list
	}
	full.buf.Close()
	n := &node[T]{buf: NewBounded[T](nodeCap)}
	full.next.Store(n)
	q.tail.Store(n)
}

// TryGet dequeues one element without blocking.
func (q *Unbounded[T]) TryGet() (T, error) {
	var zero T
	for {
		head := q.head.Load()
		v, err := head.buf.TryGet()
		switch err {
		case nil:
			return v, nil
		case ErrEmpty:
			if q.closed.Load() && head.next.Load() == nil {
				return zero, ErrClosed
			}
			return zero, ErrEmpty
		case ErrClosed:
			next := head.next.Load()
			if next == nil {
				if q.closed.Load() {
					return zero, ErrClosed
				}
				return zero, ErrEmpty
			}
			q.head.CompareAndSwap(head, next)
		}
	}
}

// Len estimates the element count across nodes.
func (q *Unbounded[T]) Len() int {
	n := 0
	for seg := q.head.Load(); seg != nil; seg = seg.next.Load() {
		n += seg.buf.Len()
	}
	return n
}
