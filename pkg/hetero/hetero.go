// Package hetero is the public surface of the mosaic heterogeneous
// compute runtime: typed tasks with control and data dependencies,
// groups with lattice cancellation, coherent buffers spanning host and
// device memory, a heterogeneous parallel-for dispatcher and a pipeline
// engine.
//
// The runtime schedules onto a pool of CPU workers plus pluggable GPU
// and DSP executors; in-process simulators back both by default so the
// full API works on any machine.
package hetero

import (
	"os"
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/mosaicrt/mosaic/internal/device"
	"github.com/mosaicrt/mosaic/internal/sched"
)

// Options configures a Runtime.
type Options struct {
	// Workers is the CPU worker pool size. 0 picks GOMAXPROCS.
	Workers int

	// QueueCapacity bounds the foreign-submission queue (default 4096).
	// Launch bursts beyond it spill into an unbounded overflow list.
	QueueCapacity int

	// DSPThreads is the simulated DSP's hardware thread count
	// (default 2). Ignored when a custom DSP executor is injected.
	DSPThreads int

	// Verbose enables structured logging to stderr.
	Verbose bool

	// Logger overrides the runtime logger. Takes precedence over
	// Verbose.
	Logger *zerolog.Logger

	// GPU and DSP replace the built-in simulated executors.
	GPU device.Executor
	DSP device.Executor
}

// Option is a functional option for configuring the runtime.
type Option func(*Options)

// WithWorkers sets the CPU worker pool size.
func WithWorkers(n int) Option { return func(o *Options) { o.Workers = n } }

// WithQueueCapacity sets the submission queue capacity.
func WithQueueCapacity(n int) Option { return func(o *Options) { o.QueueCapacity = n } }

// WithDSPThreads sets the simulated DSP thread count.
func WithDSPThreads(n int) Option { return func(o *Options) { o.DSPThreads = n } }

// WithVerbose enables verbose logging.
func WithVerbose(v bool) Option { return func(o *Options) { o.Verbose = v } }

// WithLogger supplies a custom logger.
func WithLogger(l zerolog.Logger) Option { return func(o *Options) { o.Logger = &l } }

// WithGPUExecutor injects a GPU backend.
func WithGPUExecutor(e device.Executor) Option { return func(o *Options) { o.GPU = e } }

// WithDSPExecutor injects a DSP backend.
func WithDSPExecutor(e device.Executor) Option { return func(o *Options) { o.DSP = e } }

// Runtime owns the scheduler, the device executors and the auto-profile
// store. Create with New, release with Close.
type Runtime struct {
	s    *sched.Scheduler
	log  zerolog.Logger
	gpu  device.Executor
	dsp  device.Executor
	host device.HostInfo

	dspThreads int
	ownGPU     bool
	ownDSP     bool

	profiles profileStore
	closed   atomic.Bool
}

// New constructs and starts a runtime.
func New(opts ...Option) *Runtime {
	o := Options{DSPThreads: 2}
	for _, opt := range opts {
		opt(&o)
	}
	log := zerolog.Nop()
	if o.Logger != nil {
		log = *o.Logger
	} else if o.Verbose {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}

	rt := &Runtime{
		log:        log,
		host:       device.ProbeHost(),
		dspThreads: o.DSPThreads,
	}
	rt.s = sched.New(sched.Config{
		Workers:       o.Workers,
		QueueCapacity: o.QueueCapacity,
		Log:           log,
	})
	if o.GPU != nil {
		rt.gpu = o.GPU
	} else {
		rt.gpu = device.NewSimGPU(log)
		rt.ownGPU = true
	}
	if o.DSP != nil {
		rt.dsp = o.DSP
	} else {
		sim := device.NewSimDSP(o.DSPThreads, log)
		rt.dsp = sim
		rt.dspThreads = sim.Threads()
		rt.ownDSP = true
	}
	rt.profiles.init()

	log.Info().
		Int("workers", o.Workers).
		Int("dsp_threads", rt.dspThreads).
		Int("vector_width", rt.host.VectorWidth()).
		Msg("runtime started")
	return rt
}

// Close shuts the scheduler down after draining and stops the built-in
// executors. Idempotent.
func (r *Runtime) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.s.Shutdown()
	var first error
	if r.ownGPU {
		if err := r.gpu.Close(); err != nil {
			first = err
		}
	}
	if r.ownDSP {
		if err := r.dsp.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.log.Info().Msg("runtime stopped")
	return first
}

// Stats is a snapshot of the scheduler counters.
type Stats = sched.Stats

// Stats returns a point-in-time snapshot of execution counters.
func (r *Runtime) Stats() Stats { return r.s.Stats() }

// Workers reports the CPU worker pool size.
func (r *Runtime) Workers() int { return r.s.Workers() }

// DSPThreads reports the DSP thread count the dispatcher splits across.
func (r *Runtime) DSPThreads() int { return r.dspThreads }

// Host describes the CPU the runtime is running on.
func (r *Runtime) Host() device.HostInfo { return r.host }
