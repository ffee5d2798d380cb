package device

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrExecutorClosed is reported for submissions after Close.
var ErrExecutorClosed = errors.New("device: executor closed")

type submission struct {
	inv  *Invocation
	done func(error)
}

// SimGPU is the in-process stand-in for a GPU backend: a single command
// queue goroutine executes invocations strictly in submission order,
// which is the ordering contract real command queues give us.
type SimGPU struct {
	log    zerolog.Logger
	queue  chan submission
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewSimGPU starts the command-queue goroutine.
func NewSimGPU(log zerolog.Logger) *SimGPU {
	g := &SimGPU{
		log:   log,
		queue: make(chan submission, 64),
	}
	g.wg.Add(1)
	go g.loop()
	g.log.Debug().Msg("sim gpu executor started")
	return g
}

func (g *SimGPU) Kind() Kind { return GPU }

func (g *SimGPU) Submit(inv *Invocation, done func(error)) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		done(ErrExecutorClosed)
		return
	}
	g.queue <- submission{inv: inv, done: done}
	g.mu.Unlock()
}

func (g *SimGPU) loop() {
	defer g.wg.Done()
	for s := range g.queue {
		s.done(runKernel(s.inv))
	}
}

// Close drains the command queue and stops the goroutine.
func (g *SimGPU) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	close(g.queue)
	g.mu.Unlock()
	g.wg.Wait()
	g.log.Debug().Msg("sim gpu executor stopped")
	return nil
}

// SimDSP simulates a DSP with a fixed number of hardware threads; each
// thread consumes from a shared submission queue.
type SimDSP struct {
	log     zerolog.Logger
	threads int
	queue   chan submission
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// NewSimDSP starts threads consumer goroutines; threads < 1 is pinned
// to 1.
func NewSimDSP(threads int, log zerolog.Logger) *SimDSP {
	if threads < 1 {
		threads = 1
	}
	d := &SimDSP{
		log:     log,
		threads: threads,
		queue:   make(chan submission, 64),
	}
	for i := 0; i < threads; i++ {
		d.wg.Add(1)
		go d.loop()
	}
	d.log.Debug().Int("threads", threads).Msg("sim dsp executor started")
	return d
}

func (d *SimDSP) Kind() Kind { return DSP }

// Threads reports the simulated hardware thread count; the dispatcher
// splits its DSP share this many ways.
func (d *SimDSP) Threads() int { return d.threads }

func (d *SimDSP) Submit(inv *Invocation, done func(error)) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		done(ErrExecutorClosed)
		return
	}
	d.queue <- submission{inv: inv, done: done}
	d.mu.Unlock()
}

func (d *SimDSP) loop() {
	defer d.wg.Done()
	for s := range d.queue {
		s.done(runKernel(s.inv))
	}
}

func (d *SimDSP) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
	d.log.Debug().Msg("sim dsp executor stopped")
	return nil
}

func runKernel(inv *Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &KernelPanicError{Kernel: inv.Kernel.Name, Value: r}
		}
	}()
	if !inv.Kernel.Valid() {
		return errors.New("device: invalid kernel handle")
	}
	return inv.Kernel.Fn(inv.Range, inv.Args)
}
