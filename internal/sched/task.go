package sched

import (
	"fmt"
	"sync/atomic"
)

// BodyFunc is the internal task body. The boxed return value lands in
// the task's return slot and is propagated along data edges at
// completion. A non-nil error cancels the task and is surfaced through
// Wait of the task and of every group it belongs to.
type BodyFunc func(*ExecCtx) (any, error)

type argSlot struct {
	val   any
	bound bool
}

// Task is the unit of scheduling. User-facing typed handles live in
// pkg/hetero; this object owns the packed state word, the argument
// slots, the return slot and the outgoing edge list.
type Task struct {
	state stateWord
	id    uint64
	s     *Scheduler

	body BodyFunc
	args []argSlot

	// ret is written once by the runner before the terminal transition
	// and read by drain and Result after it.
	ret any
	err error

	// succs and binding bookkeeping are guarded by the packed lock bit.
	succs      succList
	boundSlots int

	group atomic.Pointer[Group]

	cancelable bool
	anonymous  bool

	// finish, when non-nil, gates completion behind a stub task
	// (finish-after). Written only from the running body.
	finish *finishAfterState

	// after runs once the task reaches a terminal state. Used by group
	// trigger tasks and finish-after stubs.
	after func()

	done chan struct{}
}

type finishAfterState struct {
	stub *Task
	// captured completion, replayed when the stub fires
	err      error
	canceled bool
}

// NewTask creates an unlaunched task with the given argument arity.
func (s *Scheduler) NewTask(arity int, body BodyFunc) *Task {
	if arity < 0 || arity > maxArity {
		apiPanic("NewTask", "arity %d out of range [0, %d]", arity, maxArity)
	}
	t := &Task{
		id:         s.nextTaskID.Add(1),
		s:          s,
		body:       body,
		cancelable: true,
		done:       make(chan struct{}),
	}
	if arity > 0 {
		t.args = make([]argSlot, arity)
	}
	t.state.init(arity == 0)
	return t
}

// maxArity bounds the fixed-arity argument tuple.
const maxArity = 8

// newAnonymous creates a helper task that is never handed to user code.
func (s *Scheduler) newAnonymous(body BodyFunc) *Task {
	t := s.NewTask(0, body)
	t.anonymous = true
	return t
}

// SetNonCancelable makes the task ignore cancel requests until it
// reaches a cooperative abort point of its own choosing.
func (t *Task) SetNonCancelable() { t.cancelable = false }

// ID returns the task's runtime-unique id.
func (t *Task) ID() uint64 { return t.id }

// BindValue copies v into argument slot i. Rebinding a slot is a fatal
// API error.
func (t *Task) BindValue(i int, v any) {
	t.claimSlot(i)
	t.args[i].val = v
}

// BindDep registers a data edge: pred's return value fills slot i when
// pred completes. move hands over the boxed value, clearing pred's
// return slot, instead of sharing the box.
func (t *Task) BindDep(pred *Task, i int, move bool) {
	if pred == nil {
		apiPanic("BindDep", "nil predecessor")
	}
	t.claimSlot(i)
	t.state.addPredecessor(false)
	if !pred.addEdge(succRecord{succ: t, dest: i, move: move}) {
		// Predecessor already finished: behave exactly as if it had just
		// completed with this edge in place.
		pred.lateEdge(succRecord{succ: t, dest: i, move: move})
	}
}

// Then adds a control edge t -> succ. If t is already finished the edge
// collapses: succ immediately observes the completion (including
// cancel/exception state).
func (t *Task) Then(succ *Task) {
	if succ == nil {
		apiPanic("Then", "nil successor")
	}
	succ.state.addPredecessor(false)
	if !t.addEdge(succRecord{succ: succ, dest: -1}) {
		t.lateEdge(succRecord{succ: succ, dest: -1})
	}
}

// claimSlot marks slot i bound, clearing the unbound bit once all slots
// are claimed. Guarded by the task lock.
func (t *Task) claimSlot(i int) {
	if i < 0 || i >= len(t.args) {
		apiPanic("bind", "argument index %d out of range (arity %d)", i, len(t.args))
	}
	t.state.lock()
	if t.args[i].bound {
		t.state.unlock()
		apiPanic("bind", "argument %d already bound", i)
	}
	t.args[i].bound = true
	t.boundSlots++
	allBound := t.boundSlots == len(t.args)
	t.state.unlock()
	if allBound {
		t.state.setBound()
	}
}

// addEdge appends an outgoing edge under the task lock. Returns false
// when the task already reached a terminal state, in which case the
// caller must take the late-edge path.
func (t *Task) addEdge(rec succRecord) bool {
	t.state.lock()
	if terminal(t.state.load()) {
		t.state.unlock()
		return false
	}
	t.succs.add(rec)
	t.state.unlock()
	return true
}

// lateEdge replays completion for an edge added after the task
// finished.
func (t *Task) lateEdge(rec succRecord) {
	w := t.state.load()
	if canceled(w) {
		rec.succ.state.setCancelRequest()
		if t.err != nil {
			if g := rec.succ.group.Load(); g != nil {
				g.addError(t.err)
			}
		}
	} else if rec.dest >= 0 {
		rec.succ.fillArg(rec.dest, t.takeReturn(rec.move))
	}
	nw := rec.succ.state.removePredecessor()
	if readySnapshot(nw) {
		t.s.enqueue(rec.succ)
	}
}

// fillArg stores a propagated value. Each slot has exactly one
// producer, so no lock is needed; the subsequent predecessor-count
// decrement publishes the write.
func (t *Task) fillArg(i int, v any) {
	t.args[i].val = v
}

// takeReturn reads the return slot; a move consumes it.
func (t *Task) takeReturn(move bool) any {
	v := t.ret
	if move {
		t.ret = nil
	}
	return v
}

// Arg returns the bound value of slot i. Valid only while the task is
// running (the ready check ordered all fills before execution).
func (t *Task) Arg(i int) any { return t.args[i].val }

// Result returns the boxed return value after completion.
func (t *Task) Result() any { return t.ret }

// IsBound reports whether every argument slot is bound.
func (t *Task) IsBound() bool { return t.state.load()&flagUnbound == 0 }

// Finished reports whether the task reached a terminal state.
func (t *Task) Finished() bool { return terminal(t.state.load()) }

// Canceled reports whether the task terminated canceled.
func (t *Task) Canceled() bool { return canceled(t.state.load()) }

// Group returns the group the task was launched into, if any.
func (t *Task) Group() *Group { return t.group.Load() }

// Launch submits the task. Launching with unbound arguments, twice, or
// after Shutdown is a fatal API error. g, when non-nil, is the group
// the task joins. Anonymous helpers (finish-after stubs, group
// triggers) are exempt from the shutdown check: they fire while the
// pool drains.
func (t *Task) Launch(g *Group) {
	if !t.anonymous && t.s.closed.Load() {
		apiPanic("launch", "scheduler is shut down")
	}
	if g != nil {
		t.group.Store(g)
		g.addTask()
	}
	if !t.state.setLaunched(true) {
		apiPanic("launch", "task launched twice")
	}
	w := t.state.load()
	if cancelReq(w) && t.cancelable {
		// Canceled before it ever became ready: it will never run.
		if t.state.setRunning(false) { // claim the terminal transition
			t.complete(nil, true)
		}
		return
	}
	if readySnapshot(w) {
		t.s.enqueue(t)
	}
}

// Cancel requests cancellation. A task that has not started yet will
// never run; a running task observes the request at its next
// cooperative abort point.
func (t *Task) Cancel() {
	if !t.state.setCancelRequest() {
		return
	}
	if !t.cancelable {
		return
	}
	w := t.state.load()
	if terminal(w) || w&flagRunning != 0 {
		return
	}
	if !launched(w) {
		// Launch converts the pending request into a terminal
		// transition; the task will never run.
		return
	}
	// Launched but not started (possibly queued, possibly still waiting
	// on predecessors): claim the transition and finish as canceled.
	if t.state.setRunning(false) {
		t.complete(nil, true)
	}
}

// Wait blocks until the task reaches a terminal state and returns its
// failure classification: nil, ErrCanceled, or the stored error.
// Called from inside a task body the wait is cooperative: the worker
// executes other ready tasks instead of idling.
func (t *Task) Wait(ec *ExecCtx) error {
	if !launched(t.state.load()) {
		apiPanic("wait", "task not launched")
	}
	t.s.waitDone(ec, t.done)
	return t.failure()
}

// Done exposes the completion channel for select-based composition.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) failure() error {
	w := t.state.load()
	if !canceled(w) {
		return nil
	}
	if t.err != nil {
		return t.err
	}
	return ErrCanceled
}

// finalize is called by the runner with the body's outcome. When a
// finish-after gate is installed the real completion is deferred to the
// stub task.
func (t *Task) finalize(err error, asCanceled bool) {
	if f := t.finish; f != nil {
		f.err = err
		f.canceled = asCanceled
		f.stub.Launch(nil)
		return
	}
	t.complete(err, asCanceled)
}

// complete performs the terminal transition, drains the successor list,
// notifies the group and wakes waiters. The terminal CAS inside the
// task lock is what makes the unlocked drain safe: any concurrent
// addEdge that acquires the lock afterwards observes the terminal state
// and takes the late-edge path instead of appending.
func (t *Task) complete(err error, asCanceled bool) {
	t.err = err
	t.state.lock()
	t.state.setFinished(asCanceled) // also drops the lock bit
	t.drain(asCanceled, err)
	if g := t.group.Load(); g != nil {
		g.taskFinished(err, asCanceled)
	}
	close(t.done)
	if t.after != nil {
		t.after()
	}
}

// drain walks the successor list exactly once: propagate return values
// into destination slots, forward cancellation and exception state,
// decrement predecessor counts and enqueue whoever became ready.
func (t *Task) drain(asCanceled bool, err error) {
	t.succs.forEach(func(rec succRecord) {
		if asCanceled {
			rec.succ.state.setCancelRequest()
			if err != nil {
				if g := rec.succ.group.Load(); g != nil {
					g.addError(err)
				}
			}
		} else if rec.dest >= 0 {
			rec.succ.fillArg(rec.dest, t.takeReturn(rec.move))
		}
		nw := rec.succ.state.removePredecessor()
		if readySnapshot(nw) {
			t.s.enqueue(rec.succ)
		}
	})
}

func (t *Task) String() string {
	w := t.state.load()
	st := "unlaunched"
	switch {
	case canceled(w):
		st = "canceled"
	case w&flagCompleted != 0:
		st = "completed"
	case w&flagRunning != 0:
		st = "running"
	case launched(w):
		st = "launched"
	}
	return fmt.Sprintf("task(%d,%s,preds=%d)", t.id, st, preds(w))
}
