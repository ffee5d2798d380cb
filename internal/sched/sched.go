// Package sched implements the task graph engine: tasks with typed-by
// -the-caller argument and return slots, control and data dependencies,
// a packed atomic lifecycle word, a group lattice for bulk
// cancellation and waiting, and the worker pool that drives it all.
//
// The public, generically typed surface lives in pkg/hetero; this
// package deals in boxed values and raw handles.
package sched

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/mosaicrt/mosaic/internal/queue"
)

// Config configures a Scheduler.
type Config struct {
	// Workers is the resident worker count; 0 means GOMAXPROCS.
	Workers int
	// QueueCapacity bounds the foreign-submission queue; 0 means 4096.
	QueueCapacity int
	// MaxCompensation caps the extra workers spawned around blocking
	// waits; 0 means Workers.
	MaxCompensation int
	// Log receives lifecycle and diagnostic events. Zero value is a
	// disabled logger.
	Log zerolog.Logger
}

// Stats is a point-in-time snapshot of scheduler counters.
type Stats struct {
	TasksExecuted  uint64
	TasksCanceled  uint64
	OverflowPushes uint64
	Compensations  uint64
}

// Scheduler owns the worker pool and the ready-task queues. Ready tasks
// flow through a bounded lock-free MPMC queue (the foreign-submission
// queue of the design); burst overflow spills into an unbounded linked
// queue so enqueue never blocks task completion.
type Scheduler struct {
	cfg  Config
	log  zerolog.Logger
	wake chan struct{}
	quit chan struct{}

	ready    *queue.Bounded[*Task]
	overflow *queue.Unbounded[*Task]

	wg         sync.WaitGroup
	comp       *semaphore.Weighted
	nextTaskID atomic.Uint64

	latticeMu sync.Mutex
	leaves    [maxLeafGroups]*Group

	stTasks    atomic.Uint64
	stCanceled atomic.Uint64
	stOverflow atomic.Uint64
	stComp     atomic.Uint64

	closed atomic.Bool
}

// New creates and starts a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}
	if cfg.MaxCompensation <= 0 {
		cfg.MaxCompensation = cfg.Workers
	}
	s := &Scheduler{
		cfg:      cfg,
		log:      cfg.Log,
		wake:     make(chan struct{}, cfg.Workers*2),
		quit:     make(chan struct{}),
		ready:    queue.NewBounded[*Task](cfg.QueueCapacity),
		overflow: queue.NewUnbounded[*Task](),
		comp:     semaphore.NewWeighted(int64(cfg.MaxCompensation)),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.workerLoop(&ExecCtx{s: s})
	}
	s.log.Debug().Int("workers", cfg.Workers).Int("queue", s.ready.Cap()).Msg("scheduler started")
	return s
}

// Shutdown stops the workers after the queues drain. Outstanding tasks
// already enqueued still run; new launches after Shutdown panic.
func (s *Scheduler) Shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.quit)
	s.wg.Wait()
	s.log.Debug().Msg("scheduler stopped")
}

// Stats returns a snapshot of the execution counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		TasksExecuted:  s.stTasks.Load(),
		TasksCanceled:  s.stCanceled.Load(),
		OverflowPushes: s.stOverflow.Load(),
		Compensations:  s.stComp.Load(),
	}
}

// Workers reports the resident worker count.
func (s *Scheduler) Workers() int { return s.cfg.Workers }

// enqueue makes a ready task runnable. Safe from any goroutine
// (workers, device completion callbacks, foreign threads).
func (s *Scheduler) enqueue(t *Task) {
	if err := s.ready.TryPut(t); err != nil {
		s.stOverflow.Add(1)
		_ = s.overflow.Put(t)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// poll pops one ready task, preferring the bounded queue.
func (s *Scheduler) poll() *Task {
	if t, err := s.ready.TryGet(); err == nil {
		return t
	}
	if t, err := s.overflow.TryGet(); err == nil {
		return t
	}
	return nil
}

func (s *Scheduler) workerLoop(ec *ExecCtx) {
	defer s.wg.Done()
	for {
		if t := s.poll(); t != nil {
			s.execute(ec, t)
			continue
		}
		select {
		case <-s.wake:
		case <-s.quit:
			// Drain whatever is left before exiting.
			for t := s.poll(); t != nil; t = s.poll() {
				s.execute(ec, t)
			}
			return
		}
	}
}

// execute runs one ready task on the calling worker. A pending cancel
// request (or a canceled group) converts into a terminal-canceled
// transition without running the body.
func (s *Scheduler) execute(ec *ExecCtx, t *Task) {
	if t.cancelable {
		if g := t.group.Load(); g != nil && g.Canceled() {
			t.state.setCancelRequest()
		}
	}
	if t.anonymous {
		// Not observable externally: the reduced encoding suffices.
		t.state.setRunningAnonymous()
	} else if !t.state.setRunning(t.cancelable) {
		if !t.Finished() && t.state.setRunning(false) {
			s.stCanceled.Add(1)
			t.complete(nil, true)
		}
		return
	}
	prev := ec.t
	ec.t = t
	res, err, aborted := s.runBody(ec, t)
	ec.t = prev

	s.stTasks.Add(1)
	switch {
	case aborted:
		s.stCanceled.Add(1)
		t.finalize(err, true)
	case err != nil:
		s.stCanceled.Add(1)
		t.finalize(err, true)
	default:
		t.ret = res
		t.finalize(nil, false)
	}
}

// runBody invokes the user body, converting the abort sentinel and
// other panics into task failure.
func (s *Scheduler) runBody(ec *ExecCtx, t *Task) (res any, err error, aborted bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(abortSignal); ok {
				aborted = true
				return
			}
			if ae, ok := r.(*APIError); ok {
				panic(ae) // API misuse stays fatal
			}
			err = fmt.Errorf("task body panic: %v", r)
		}
	}()
	if t.body == nil {
		return nil, nil, false
	}
	res, err = t.body(ec)
	return res, err, false
}

// waitDone blocks until done is closed. Inside a worker the wait is
// cooperative: the worker keeps executing other ready tasks; once the
// queues run dry it parks on the channel after arranging a bounded
// compensation worker so overall parallelism is preserved.
func (s *Scheduler) waitDone(ec *ExecCtx, done <-chan struct{}) {
	if ec == nil || ec.t == nil {
		<-done
		return
	}
	for {
		select {
		case <-done:
			return
		default:
		}
		if t := s.poll(); t != nil {
			s.execute(ec, t)
			continue
		}
		// Nothing runnable: park, but keep the pool's width.
		stop := s.compensate()
		<-done
		if stop != nil {
			stop()
		}
		return
	}
}

// compensate spawns one temporary worker if the cap allows. The
// returned stop function retires it after the queues next run dry.
func (s *Scheduler) compensate() (stop func()) {
	if !s.comp.TryAcquire(1) {
		return nil
	}
	s.stComp.Add(1)
	quit := make(chan struct{})
	go func() {
		defer s.comp.Release(1)
		ec := &ExecCtx{s: s}
		for {
			if t := s.poll(); t != nil {
				s.execute(ec, t)
				continue
			}
			select {
			case <-quit:
				return
			case <-s.quit:
				return
			case <-s.wake:
			}
		}
	}()
	return func() { close(quit) }
}

// ExecCtx is the per-worker execution context: the scoped stack of
// active task handles. It is handed to every task body; blocking,
// abort-on-cancel and finish-after locate their enclosing task through
// it instead of a thread-local.
type ExecCtx struct {
	s *Scheduler
	t *Task
}

// Scheduler returns the owning scheduler.
func (ec *ExecCtx) Scheduler() *Scheduler { return ec.s }

// Current returns the task this context is executing.
func (ec *ExecCtx) Current() *Task { return ec.t }

// AbortOnCancel is the cooperative cancellation point: it panics with
// the abort sentinel when the current task, or any group it belongs to,
// has been canceled. The scheduler converts the sentinel into a
// terminal-canceled transition.
func (ec *ExecCtx) AbortOnCancel() {
	t := ec.t
	if t == nil {
		apiPanic("AbortOnCancel", "called outside a task")
	}
	if cancelReq(t.state.load()) {
		panic(abortSignal{})
	}
	if g := t.group.Load(); g != nil && g.Canceled() {
		panic(abortSignal{})
	}
}

// Blocking wraps a call that may block the OS thread for a while
// (device waits, I/O). A compensation worker keeps the pool width while
// fn runs.
func (ec *ExecCtx) Blocking(fn func()) {
	if ec.t == nil {
		apiPanic("Blocking", "called outside a task")
	}
	stop := ec.s.compensate()
	fn()
	if stop != nil {
		stop()
	}
}

// finishStub materializes (once per task) the stub that gates the
// current task's completion. The stub stays unlaunched while the body
// runs, so additional finish-after targets attach as plain predecessor
// edges; finalize launches it.
func (ec *ExecCtx) finishStub() *Task {
	t := ec.t
	if t == nil {
		apiPanic("FinishAfter", "called outside a task")
	}
	if t.finish == nil {
		stub := ec.s.newAnonymous(nil)
		stub.after = func() {
			f := t.finish
			t.complete(f.err, f.canceled)
		}
		t.finish = &finishAfterState{stub: stub}
	}
	return t.finish.stub
}

// FinishAfterTask delays the completion of the current task until child
// has completed. Successor notification, group accounting and waiter
// wakeup are all gated on the stub.
func (ec *ExecCtx) FinishAfterTask(child *Task) {
	if child == ec.t {
		apiPanic("FinishAfter", "task cannot finish after itself")
	}
	child.Then(ec.finishStub())
}

// FinishAfterGroup delays completion until all current and future tasks
// of g have completed (the group's trigger task fires on the 1->0
// transition of its counter). The stub keeps a strong reference to the
// group for its whole lifetime.
func (ec *ExecCtx) FinishAfterGroup(g *Group) {
	g.triggerTask().Then(ec.finishStub())
}

// WaitTask / WaitGroup are the cooperative wait entry points used by
// pkg/hetero when a wait originates outside any task body.
func (s *Scheduler) WaitTask(t *Task) error { return t.Wait(nil) }

func (s *Scheduler) WaitGroup(g *Group) error { return g.Wait(nil) }
