package sched

// succRecord is one outgoing dependency edge. dest < 0 marks a control
// edge; otherwise dest is the index of the successor argument slot that
// receives this task's return value. move transfers the boxed value
// instead of copying the box.
type succRecord struct {
	succ *Task
	dest int
	move bool
}

// succBucketCap is the record capacity of one overflow bucket.
const succBucketCap = 8

type succBucket struct {
	recs [succBucketCap]succRecord
	n    int
	next *succBucket
}

// succList stores a task's outgoing edges: two inline slots for the
// common case of at most two control dependencies, spilling into a
// bucket chain once a third edge or any data edge arrives. Mutation
// happens only under the owning task's lock; the drain after the
// terminal transition reads without locking because the finished check
// inside the lock guarantees no writer can race it.
type succList struct {
	inline  [2]*Task
	buckets *succBucket
	tail    *succBucket
}

// add appends an edge. Control edges prefer the inline slots; data
// edges always go to a bucket.
func (l *succList) add(rec succRecord) {
	if rec.dest < 0 && l.buckets == nil {
		for i := range l.inline {
			if l.inline[i] == nil {
				l.inline[i] = rec.succ
				return
			}
		}
	}
	if l.buckets == nil {
		b := &succBucket{}
		// Migrate the inline control edges so drain order stays FIFO.
		for i, t := range l.inline {
			if t != nil {
				b.recs[b.n] = succRecord{succ: t, dest: -1}
				b.n++
				l.inline[i] = nil
			}
		}
		l.buckets = b
		l.tail = b
	}
	if l.tail.n == succBucketCap {
		b := &succBucket{}
		l.tail.next = b
		l.tail = b
	}
	l.tail.recs[l.tail.n] = rec
	l.tail.n++
}

// forEach visits every edge in insertion order.
func (l *succList) forEach(fn func(succRecord)) {
	for _, t := range l.inline {
		if t != nil {
			fn(succRecord{succ: t, dest: -1})
		}
	}
	for b := l.buckets; b != nil; b = b.next {
		for i := 0; i < b.n; i++ {
			fn(b.recs[i])
		}
	}
}

func (l *succList) empty() bool {
	return l.inline[0] == nil && l.inline[1] == nil && l.buckets == nil
}
