package hetero

import (
	"github.com/mosaicrt/mosaic/internal/sched"
)

// Void is the return type of tasks that produce no value.
type Void = struct{}

// AnyTask is any task handle, regardless of its argument and return
// types. Only types from this package implement it.
type AnyTask interface {
	raw() *sched.Task
}

// Source is a task producing an R, usable as the predecessor of a data
// dependency.
type Source[R any] interface {
	AnyTask
	Result() R
}

// Ctx is passed to every task body. It locates the enclosing task for
// the cooperative primitives, replacing the thread-local the runtime
// would otherwise need.
type Ctx struct {
	rt *Runtime
	ec *sched.ExecCtx
}

// Runtime returns the owning runtime.
func (c *Ctx) Runtime() *Runtime { return c.rt }

// AbortOnCancel is the cooperative cancellation point: it aborts the
// current task if it, or any group it belongs to, has been canceled.
func (c *Ctx) AbortOnCancel() { c.ec.AbortOnCancel() }

// Blocking runs fn, which may block its OS thread, while a temporary
// worker preserves the pool's parallelism.
func (c *Ctx) Blocking(fn func()) { c.ec.Blocking(fn) }

// FinishAfter defers the current task's completion until t completes.
// Successors and group accounting observe the deferred completion.
func (c *Ctx) FinishAfter(t AnyTask) { c.ec.FinishAfterTask(t.raw()) }

// FinishAfterGroup defers completion until g's task count reaches zero.
func (c *Ctx) FinishAfterGroup(g *Group) { c.ec.FinishAfterGroup(g.g) }

// WaitFor blocks until t completes, running other ready tasks on this
// worker in the meantime.
func (c *Ctx) WaitFor(t AnyTask) error { return t.raw().Wait(c.ec) }

// WaitForGroup blocks until every task in g has completed.
func (c *Ctx) WaitForGroup(g *Group) error { return g.g.Wait(c.ec) }

// handle carries the untyped task operations shared by every arity.
type handle struct {
	rt *Runtime
	t  *sched.Task
}

func (h *handle) raw() *sched.Task { return h.t }

// Launch submits the task for execution. Launching with unbound
// arguments or launching twice panics with an APIError.
func (h *handle) Launch() { h.t.Launch(nil) }

// LaunchInto submits the task as a member of g.
func (h *handle) LaunchInto(g *Group) { h.t.Launch(g.g) }

// Then adds a control edge: succ will not run before this task reaches
// a terminal state. Cancellation and failure propagate along the edge.
func (h *handle) Then(succ AnyTask) { h.t.Then(succ.raw()) }

// Cancel requests cancellation. An unstarted task will never run; a
// running one observes the request at its next AbortOnCancel.
func (h *handle) Cancel() { h.t.Cancel() }

// Canceled reports whether the task terminated canceled.
func (h *handle) Canceled() bool { return h.t.Canceled() }

// Finished reports whether the task reached a terminal state.
func (h *handle) Finished() bool { return h.t.Finished() }

// IsBound reports whether every argument slot has been bound.
func (h *handle) IsBound() bool { return h.t.IsBound() }

// NonCancelable makes the task ignore cancel requests until it checks
// for them itself.
func (h *handle) NonCancelable() { h.t.SetNonCancelable() }

// Wait blocks until the task completes and returns nil, the error the
// body returned, or ErrCanceled. Inside a task body prefer Ctx.WaitFor,
// which keeps the worker productive.
func (h *handle) Wait() error { return h.t.Wait(nil) }

// Done exposes the completion channel for select-based composition.
func (h *handle) Done() <-chan struct{} { return h.t.Done() }

func result[R any](t *sched.Task) R {
	if v, ok := t.Result().(R); ok {
		return v
	}
	var zero R
	return zero
}

// Task is a zero-argument task returning R.
type Task[R any] struct{ handle }

// Task1 takes one argument of type A.
type Task1[A, R any] struct{ handle }

// Task2 takes two arguments.
type Task2[A, B, R any] struct{ handle }

// Task3 takes three arguments.
type Task3[A, B, C, R any] struct{ handle }

// NewTask creates an unlaunched zero-argument task.
func NewTask[R any](rt *Runtime, body func(*Ctx) (R, error)) *Task[R] {
	t := rt.s.NewTask(0, func(ec *sched.ExecCtx) (any, error) {
		return body(&Ctx{rt: rt, ec: ec})
	})
	return &Task[R]{handle{rt: rt, t: t}}
}

// NewVoidTask creates a task from a body with no return value.
func NewVoidTask(rt *Runtime, body func(*Ctx) error) *Task[Void] {
	return NewTask(rt, func(c *Ctx) (Void, error) { return Void{}, body(c) })
}

// NewTask1 creates an unlaunched one-argument task. The argument slot
// must be bound before launch.
func NewTask1[A, R any](rt *Runtime, body func(*Ctx, A) (R, error)) *Task1[A, R] {
	t := rt.s.NewTask(1, func(ec *sched.ExecCtx) (any, error) {
		a, _ := ec.Current().Arg(0).(A)
		return body(&Ctx{rt: rt, ec: ec}, a)
	})
	return &Task1[A, R]{handle{rt: rt, t: t}}
}

// NewTask2 creates an unlaunched two-argument task.
func NewTask2[A, B, R any](rt *Runtime, body func(*Ctx, A, B) (R, error)) *Task2[A, B, R] {
	t := rt.s.NewTask(2, func(ec *sched.ExecCtx) (any, error) {
		a, _ := ec.Current().Arg(0).(A)
		b, _ := ec.Current().Arg(1).(B)
		return body(&Ctx{rt: rt, ec: ec}, a, b)
	})
	return &Task2[A, B, R]{handle{rt: rt, t: t}}
}

// NewTask3 creates an unlaunched three-argument task.
func NewTask3[A, B, C, R any](rt *Runtime, body func(*Ctx, A, B, C) (R, error)) *Task3[A, B, C, R] {
	t := rt.s.NewTask(3, func(ec *sched.ExecCtx) (any, error) {
		a, _ := ec.Current().Arg(0).(A)
		b, _ := ec.Current().Arg(1).(B)
		c3, _ := ec.Current().Arg(2).(C)
		return body(&Ctx{rt: rt, ec: ec}, a, b, c3)
	})
	return &Task3[A, B, C, R]{handle{rt: rt, t: t}}
}

// Result returns the task's value after successful completion; the zero
// value otherwise.
func (t *Task[R]) Result() R { return result[R](t.t) }

func (t *Task1[A, R]) Result() R { return result[R](t.t) }

func (t *Task2[A, B, R]) Result() R { return result[R](t.t) }

func (t *Task3[A, B, C, R]) Result() R { return result[R](t.t) }

// BindValue binds the argument slot to a concrete value.
func (t *Task1[A, R]) BindValue(a A) { t.t.BindValue(0, a) }

// BindTask binds the argument slot to src's future return value. The
// value is copied; src's own result remains readable.
func (t *Task1[A, R]) BindTask(src Source[A]) { t.t.BindDep(src.raw(), 0, false) }

// BindTaskMove is BindTask with move semantics: the boxed value is
// handed over and src's result slot is cleared on propagation.
func (t *Task1[A, R]) BindTaskMove(src Source[A]) { t.t.BindDep(src.raw(), 0, true) }

// BindAll binds both argument slots by value.
func (t *Task2[A, B, R]) BindAll(a A, b B) {
	t.t.BindValue(0, a)
	t.t.BindValue(1, b)
}

// BindValue0 binds the first slot by value.
func (t *Task2[A, B, R]) BindValue0(a A) { t.t.BindValue(0, a) }

// BindValue1 binds the second slot by value.
func (t *Task2[A, B, R]) BindValue1(b B) { t.t.BindValue(1, b) }

// BindTask0 binds the first slot to src's return value.
func (t *Task2[A, B, R]) BindTask0(src Source[A]) { t.t.BindDep(src.raw(), 0, false) }

// BindTask1 binds the second slot to src's return value.
func (t *Task2[A, B, R]) BindTask1(src Source[B]) { t.t.BindDep(src.raw(), 1, false) }

// BindAll binds the three argument slots by value.
func (t *Task3[A, B, C, R]) BindAll(a A, b B, c C) {
	t.t.BindValue(0, a)
	t.t.BindValue(1, b)
	t.t.BindValue(2, c)
}

// BindTask0 binds the first slot to src's return value.
func (t *Task3[A, B, C, R]) BindTask0(src Source[A]) { t.t.BindDep(src.raw(), 0, false) }

// BindTask1 binds the second slot to src's return value.
func (t *Task3[A, B, C, R]) BindTask1(src Source[B]) { t.t.BindDep(src.raw(), 1, false) }

// BindTask2 binds the third slot to src's return value.
func (t *Task3[A, B, C, R]) BindTask2(src Source[C]) { t.t.BindDep(src.raw(), 2, false) }
