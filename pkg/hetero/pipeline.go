package hetero

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mosaicrt/mosaic/internal/device"
	"github.com/mosaicrt/mosaic/internal/mem"
	"github.com/mosaicrt/mosaic/internal/queue"
	"github.com/mosaicrt/mosaic/internal/sched"
)

// StageKind selects a pipeline stage's execution discipline.
type StageKind int

const (
	// SerialInOrder runs at most one iteration at a time, in iteration
	// order.
	SerialInOrder StageKind = iota

	// SerialOutOfOrder runs at most one iteration at a time, in any
	// order the engine finds convenient.
	SerialOutOfOrder

	// Parallel runs iterations concurrently, bounded by the stage's
	// degree of concurrency.
	Parallel
)

func (k StageKind) String() string {
	switch k {
	case SerialInOrder:
		return "serial"
	case SerialOutOfOrder:
		return "serial-ooo"
	default:
		return "parallel"
	}
}

// autoChunkCap bounds a single fetch when no chunk size is set, so an
// unthrottled producer stage cannot monopolize a worker.
const autoChunkCap = 64

// stageOpts are the tunables shared by every stage kind.
type stageOpts struct {
	lag    int
	p, c   int
	doc    int
	chunk  int
	window int
}

// StageOption tunes a pipeline stage.
type StageOption func(*stageOpts)

// WithLag delays the stage: its iteration count stays at least lag
// behind what its predecessor's progress would otherwise allow.
func WithLag(lag int) StageOption {
	return func(o *stageOpts) { o.lag = lag }
}

// WithRate sets the stage's consumption rate: every p completed
// predecessor iterations enable c iterations of this stage. The
// default is 1:1.
func WithRate(p, c int) StageOption {
	return func(o *stageOpts) { o.p, o.c = p, c }
}

// WithConcurrency caps a Parallel stage's in-flight iterations. The
// default is the worker pool size.
func WithConcurrency(n int) StageOption {
	return func(o *stageOpts) { o.doc = n }
}

// WithChunk sets how many iterations a worker claims per fetch. The
// default (0) claims half of what is available, rounded up, so other
// workers can pick up the rest.
func WithChunk(n int) StageOption {
	return func(o *stageOpts) { o.chunk = n }
}

// WithWindow bounds the stage's output token buffer to a sliding
// window of n slots instead of an unbounded store. Successor progress
// then throttles this stage so live tokens are never overwritten.
func WithWindow(n int) StageOption {
	return func(o *stageOpts) { o.window = n }
}

// GPUStage describes a stage whose middle section is a kernel on the
// GPU command queue. Before builds the invocation, After turns its
// outcome into the stage's token; both run on a CPU worker. Buffers,
// when non-empty, are acquired read-write on the GPU as one set for
// the kernel section, so host acquirers and other device users of the
// same buffers are held off while the kernel runs.
type GPUStage[C any] struct {
	Before  func(sc *StageCtx[C]) (device.Invocation, error)
	After   func(sc *StageCtx[C]) (any, error)
	Buffers []AnyBuffer
}

type stageDecl[C any] struct {
	kind StageKind
	fn   func(*StageCtx[C]) (any, error)
	gpu  *GPUStage[C]
	opts stageOpts
}

// Pipeline is a linear chain of stages executed with pipeline
// parallelism: iteration i of a stage may overlap iteration j of
// another, subject to each stage's kind, rate, lag and window.
//
// Build the chain with AddStage/AddGPUStage, then execute it with Run.
// A pipeline value is a reusable description; each Run gets fresh
// progress state. C is the per-run shared context handed to Run and
// visible to every stage through StageCtx.Data.
type Pipeline[C any] struct {
	rt     *Runtime
	stages []stageDecl[C]
}

// NewPipeline creates an empty pipeline description.
func NewPipeline[C any](rt *Runtime) *Pipeline[C] {
	return &Pipeline[C]{rt: rt}
}

func pipePanic(format string, args ...any) {
	panic(&APIError{Op: "pipeline", Msg: fmt.Sprintf(format, args...)})
}

func makeOpts(opts []StageOption) stageOpts {
	o := stageOpts{p: 1, c: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.p < 1 || o.c < 1 {
		pipePanic("rate %d:%d must be positive", o.p, o.c)
	}
	if o.lag < 0 {
		pipePanic("lag %d must be non-negative", o.lag)
	}
	if o.chunk < 0 {
		pipePanic("chunk %d must be non-negative", o.chunk)
	}
	return o
}

// AddStage appends a CPU stage. fn runs once per iteration and its
// return value becomes the token the next stage reads through In.
func (p *Pipeline[C]) AddStage(kind StageKind, fn func(*StageCtx[C]) (any, error), opts ...StageOption) *Pipeline[C] {
	if fn == nil {
		pipePanic("stage %d has no body", len(p.stages))
	}
	p.stages = append(p.stages, stageDecl[C]{kind: kind, fn: fn, opts: makeOpts(opts)})
	return p
}

// AddGPUStage appends a stage whose kernel runs on the GPU executor.
func (p *Pipeline[C]) AddGPUStage(kind StageKind, gs GPUStage[C], opts ...StageOption) *Pipeline[C] {
	if gs.Before == nil {
		pipePanic("gpu stage %d has no Before", len(p.stages))
	}
	g := gs
	p.stages = append(p.stages, stageDecl[C]{kind: kind, gpu: &g, opts: makeOpts(opts)})
	return p
}

// tokenStore holds a stage's produced tokens for its successor: a
// sliding-window ring when the stage is windowed, otherwise an
// append-only slice.
type tokenStore struct {
	ring *queue.Ring[any]

	mu  sync.Mutex
	buf []any
}

func newTokenStore(window int) *tokenStore {
	if window > 0 {
		return &tokenStore{ring: queue.NewRing[any](window)}
	}
	return &tokenStore{}
}

func (ts *tokenStore) put(i int64, v any) {
	if ts.ring != nil {
		ts.ring.Put(uint64(i), &v)
		return
	}
	ts.mu.Lock()
	for int64(len(ts.buf)) <= i {
		ts.buf = append(ts.buf, nil)
	}
	ts.buf[i] = v
	ts.mu.Unlock()
}

func (ts *tokenStore) get(i int64) any {
	if ts.ring != nil {
		if p := ts.ring.Get(uint64(i)); p != nil {
			return *p
		}
		return nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if i < int64(len(ts.buf)) {
		return ts.buf[i]
	}
	return nil
}

// stageRun is one stage's per-run progress state.
//
// active is guarded by mu; fetched advances only under mu but is
// loaded lock-free, and done is atomic so successor availability
// checks never take the predecessor's lock. For parallel
// stages, iterations finishing out of order park in oooDone until the
// contiguous prefix catches up.
type stageRun[C any] struct {
	decl *stageDecl[C]
	idx  int

	mu      sync.Mutex
	active  int64
	oooDone map[int64]struct{}

	// advanced under mu, loaded lock-free by freeze
	fetched atomic.Int64

	done  atomic.Int64
	total atomic.Int64 // -1 while unknown

	out  *tokenStore
	pred *stageRun[C]
}

// pipeRun is the progress state of one Run invocation.
type pipeRun[C any] struct {
	rt     *Runtime
	data   *C
	stages []*stageRun[C]
	group  *sched.Group

	totalMu sync.Mutex
	frozen  []int64 // per-stage explicit total, -1 when none

	workers  atomic.Int64
	maxWork  int
	stopping atomic.Bool
	canceled atomic.Bool

	errMu sync.Mutex
	err   error
}

// StageCtx is handed to stage bodies. It names the current iteration,
// exposes the predecessor's tokens and the run's shared data, and
// carries the flow-control verbs.
type StageCtx[C any] struct {
	run  *pipeRun[C]
	s    *stageRun[C]
	iter int64
	ec   *sched.ExecCtx
}

// Iteration returns the current iteration index of this stage.
func (sc *StageCtx[C]) Iteration() int64 { return sc.iter }

// Data returns the run's shared context.
func (sc *StageCtx[C]) Data() *C { return sc.run.data }

// In returns the first predecessor token feeding this iteration. With
// rate p:c, iteration i reads the predecessor block starting at
// floor(i/c)*p; In is InAt(0).
func (sc *StageCtx[C]) In() any { return sc.InAt(0) }

// InAt returns the k-th predecessor token of this iteration's rate
// block, k in [0, p).
func (sc *StageCtx[C]) InAt(k int) any {
	if sc.s.pred == nil {
		pipePanic("stage 0 has no input")
	}
	p := int64(sc.s.decl.opts.p)
	if k < 0 || int64(k) >= p {
		pipePanic("input index %d outside rate block of %d", k, p)
	}
	return sc.s.pred.out.get((sc.iter/int64(sc.s.decl.opts.c))*p + int64(k))
}

// StopPipeline ends the pipeline gracefully: this stage stops after
// the current iteration, upstream stages stop fetching, and downstream
// stages drain what the completed iterations enable.
func (sc *StageCtx[C]) StopPipeline() {
	sc.run.stopping.Store(true)
	sc.run.freeze(sc.s.idx, sc.iter+1)
}

// CancelPipeline abandons the run: no further iterations start and Run
// returns ErrCanceled.
func (sc *StageCtx[C]) CancelPipeline() { sc.run.cancel(nil) }

// Run executes the pipeline. iterations bounds the first stage; pass
// 0 or less to run until a stage calls StopPipeline. data is shared
// by every stage of this run.
func (p *Pipeline[C]) Run(iterations int, data *C) error {
	return p.run(nil, iterations, data)
}

// RunAsync returns an unlaunched task that executes the pipeline like
// Run. The task completes when the run drains or fails.
func (p *Pipeline[C]) RunAsync(iterations int, data *C) *Task[Void] {
	return NewVoidTask(p.rt, func(c *Ctx) error {
		return p.run(c.ec, iterations, data)
	})
}

func (p *Pipeline[C]) run(ec *sched.ExecCtx, iterations int, data *C) error {
	if len(p.stages) == 0 {
		pipePanic("pipeline has no stages")
	}
	if p.stages[0].opts.p != 1 || p.stages[0].opts.c != 1 {
		pipePanic("first stage cannot have a rate")
	}
	if p.stages[0].opts.lag != 0 {
		pipePanic("first stage cannot have a lag")
	}

	run := &pipeRun[C]{
		rt:      p.rt,
		data:    data,
		frozen:  make([]int64, len(p.stages)),
		maxWork: p.rt.Workers(),
	}
	for i := range p.stages {
		d := &p.stages[i]
		s := &stageRun[C]{decl: d, idx: i, out: newTokenStore(d.opts.window)}
		s.total.Store(-1)
		if d.kind == Parallel {
			s.oooDone = make(map[int64]struct{})
		}
		if i > 0 {
			s.pred = run.stages[i-1]
			validateWindow(run.stages[i-1].decl.opts.window, d.opts)
		}
		run.frozen[i] = -1
		run.stages = append(run.stages, s)
	}
	if iterations > 0 {
		run.freeze(0, int64(iterations))
	}

	start := time.Now()
	run.group = p.rt.s.NewPForGroup(nil)
	run.spawn(run.maxWork)
	werr := run.group.Wait(ec)

	run.errMu.Lock()
	err := run.err
	run.errMu.Unlock()
	if err == nil && run.canceled.Load() {
		err = ErrCanceled
	}
	if err == nil {
		err = werr
	}

	last := run.stages[len(run.stages)-1]
	p.rt.log.Debug().
		Int("stages", len(run.stages)).
		Int64("iterations", last.done.Load()).
		Dur("elapsed", time.Since(start)).
		Err(err).
		Msg("pipeline run finished")
	return err
}

// validateWindow rejects windows too small for the successor to make
// progress: the successor's lowest unfinished iteration needs a full
// rate block of p tokens, plus the blocks its lag holds back.
func validateWindow(window int, succ stageOpts) {
	if window <= 0 {
		return
	}
	need := succ.p * (1 + (succ.lag+succ.c-1)/succ.c)
	if window < need {
		pipePanic("window %d too small for successor rate %d:%d lag %d (need %d)",
			window, succ.p, succ.c, succ.lag, need)
	}
}

// freeze sets stage idx's iteration total and derives the totals of
// every downstream stage from the rate and lag chain.
func (r *pipeRun[C]) freeze(idx int, total int64) {
	r.totalMu.Lock()
	defer r.totalMu.Unlock()
	if f := r.frozen[idx]; f < 0 || total < f {
		r.frozen[idx] = total
	}
	// stage 0 stops fetching as soon as anything downstream froze
	if idx > 0 && r.frozen[0] < 0 {
		r.frozen[0] = r.stages[0].fetched.Load()
		idx = 0
	}
	t := r.frozen[idx]
	r.stages[idx].total.Store(t)
	for i := idx + 1; i < len(r.stages); i++ {
		o := r.stages[i].decl.opts
		t = int64(o.c)*(t/int64(o.p)) - int64(o.lag)
		if t < 0 {
			t = 0
		}
		if f := r.frozen[i]; f >= 0 && f < t {
			t = f
		}
		r.stages[i].total.Store(t)
	}
}

func (r *pipeRun[C]) cancel(err error) {
	if err != nil {
		r.errMu.Lock()
		if r.err == nil {
			r.err = err
		}
		r.errMu.Unlock()
	}
	r.canceled.Store(true)
}

func (r *pipeRun[C]) finished() bool {
	for _, s := range r.stages {
		t := s.total.Load()
		if t < 0 || s.done.Load() < t {
			return false
		}
	}
	return true
}

// spawn launches up to n pipeline workers into the run's group.
func (r *pipeRun[C]) spawn(n int) {
	for i := 0; i < n; i++ {
		if r.workers.Add(1) > int64(r.maxWork) {
			r.workers.Add(-1)
			return
		}
		t := r.rt.s.NewTask(0, func(ec *sched.ExecCtx) (any, error) {
			r.worker(ec)
			return nil, nil
		})
		t.Launch(r.group)
	}
}

// worker repeatedly scans the stages from the back of the pipeline to
// the front and executes whatever iterations are enabled, exiting when
// a full scan finds nothing. The scan restarts from the back after
// every batch so drained results flow out before new data flows in.
func (r *pipeRun[C]) worker(ec *sched.ExecCtx) {
	for !r.canceled.Load() {
		worked := false
		for i := len(r.stages) - 1; i >= 0; i-- {
			if r.tryStage(ec, r.stages[i]) {
				worked = true
				break
			}
		}
		if !worked {
			break
		}
	}
	// last one out re-arms if a completion raced the final scan
	if r.workers.Add(-1) == 0 && !r.canceled.Load() && !r.finished() && r.hasWork() {
		r.spawn(1)
	}
}

// hasWork reports whether any stage has a fetchable iteration. A
// stage whose lock is held is being driven by a live worker that will
// rescan, so it never needs a re-arm.
func (r *pipeRun[C]) hasWork() bool {
	for _, s := range r.stages {
		if !s.mu.TryLock() {
			continue
		}
		n := r.fetchable(s)
		s.mu.Unlock()
		if n > 0 {
			return true
		}
	}
	return false
}

// fetchable computes how many iterations of s may start now. Caller
// holds s.mu. The bound is the minimum of what the predecessor's
// progress enables (rate and lag), what the stage's own window allows
// it to run ahead of its successor, the remaining total and the
// stage's chunk; Parallel stages are additionally capped by their
// degree of concurrency. Without an explicit chunk the worker claims
// only half of what is available, rounded up, leaving the rest for
// other workers.
func (r *pipeRun[C]) fetchable(s *stageRun[C]) int64 {
	o := s.decl.opts
	n := int64(o.chunk)
	if n <= 0 {
		n = autoChunkCap
	}

	fetched := s.fetched.Load()
	if t := s.total.Load(); t >= 0 {
		if rem := t - fetched; rem < n {
			n = rem
		}
	} else if s.pred == nil && r.stopping.Load() {
		return 0
	}

	if s.pred != nil {
		enabled := int64(o.c)*(s.pred.done.Load()/int64(o.p)) - int64(o.lag)
		if avail := enabled - fetched; avail < n {
			n = avail
		}
	}

	if w := o.window; w > 0 && s.idx+1 < len(r.stages) {
		succ := r.stages[s.idx+1]
		so := succ.decl.opts
		// oldest token the successor may still read
		low := int64(so.p) * (succ.done.Load() / int64(so.c))
		if avail := low + int64(w) - fetched; avail < n {
			n = avail
		}
	}

	if s.decl.kind == Parallel {
		doc := int64(o.doc)
		if doc <= 0 {
			doc = int64(r.maxWork)
		}
		if slack := doc - s.active; slack < n {
			n = slack
		}
	}

	if n < 0 {
		return 0
	}
	if o.chunk <= 0 {
		n = (n + 1) / 2
	}
	return n
}

// tryStage attempts one batch on s. Serial stages execute under the
// stage lock; Parallel stages reserve the batch under the lock and run
// it outside.
func (r *pipeRun[C]) tryStage(ec *sched.ExecCtx, s *stageRun[C]) bool {
	if !s.mu.TryLock() {
		return false
	}
	n := r.fetchable(s)
	if n <= 0 {
		s.mu.Unlock()
		return false
	}
	lo := s.fetched.Load()
	s.fetched.Add(n)

	if s.decl.kind != Parallel {
		for i := lo; i < lo+n && !r.canceled.Load(); i++ {
			// the total may drop mid-batch when an iteration stops the run
			if t := s.total.Load(); t >= 0 && i >= t {
				break
			}
			r.runIteration(ec, s, i)
			s.done.Store(i + 1)
		}
		s.mu.Unlock()
		return true
	}

	s.active += n
	s.mu.Unlock()
	for i := lo; i < lo+n; i++ {
		t := s.total.Load()
		if r.canceled.Load() || (t >= 0 && i >= t) {
			r.completeParallel(s, i)
			continue
		}
		r.runIteration(ec, s, i)
		r.completeParallel(s, i)
	}
	return true
}

// completeParallel retires iteration i, advancing the contiguous done
// prefix past any out-of-order completions already parked.
func (r *pipeRun[C]) completeParallel(s *stageRun[C], i int64) {
	s.mu.Lock()
	s.active--
	s.oooDone[i] = struct{}{}
	d := s.done.Load()
	for {
		if _, ok := s.oooDone[d]; !ok {
			break
		}
		delete(s.oooDone, d)
		d++
	}
	s.done.Store(d)
	s.mu.Unlock()
}

func (r *pipeRun[C]) runIteration(ec *sched.ExecCtx, s *stageRun[C], i int64) {
	sc := &StageCtx[C]{run: r, s: s, iter: i, ec: ec}
	var tok any
	var err error
	if g := s.decl.gpu; g != nil {
		tok, err = r.runGPUIteration(ec, sc, g)
	} else {
		tok, err = s.decl.fn(sc)
	}
	if err != nil {
		r.cancel(err)
		return
	}
	if s.idx+1 < len(r.stages) {
		s.out.put(i, tok)
	}
}

func (r *pipeRun[C]) runGPUIteration(ec *sched.ExecCtx, sc *StageCtx[C], g *GPUStage[C]) (any, error) {
	inv, err := g.Before(sc)
	if err != nil {
		return nil, err
	}
	if len(g.Buffers) > 0 {
		set := mem.NewAcquireSet()
		for _, b := range g.Buffers {
			set.Add(b.rawBuf(), device.GPU, mem.ModeRW)
		}
		set.Acquire()
		defer set.Release()
	}
	done := make(chan error, 1)
	r.rt.gpu.Submit(&inv, func(e error) { done <- e })
	var kerr error
	ec.Blocking(func() { kerr = <-done })
	if kerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrGPUFailure, kerr)
	}
	if g.After == nil {
		return nil, nil
	}
	return g.After(sc)
}
