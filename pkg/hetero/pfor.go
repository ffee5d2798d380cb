package hetero

import (
	"fmt"
	"sync"
	"time"

	"github.com/mosaicrt/mosaic/internal/device"
	"github.com/mosaicrt/mosaic/internal/mem"
	"github.com/mosaicrt/mosaic/internal/sched"
)

// Tuner steers the heterogeneous dispatcher's work split. Loads are
// percentages and must sum to 100; a device with a nonzero load must
// have a kernel in the set. The zero value runs everything on the CPU.
//
// With AutoProfile set, loads are ignored: the first run splits evenly
// across the devices that have kernels and times each share, and later
// runs of the same pattern rebalance from the measured coefficients.
type Tuner struct {
	CPULoad int
	GPULoad int
	DSPLoad int

	AutoProfile bool

	// Pattern keys the auto-profile history. Empty uses the kernel
	// set's name.
	Pattern string
}

// profileEntry carries the measured device/CPU time ratios for one
// pattern. A coefficient of 2 means the device needed twice the CPU's
// per-iteration time. Coefficients are running averages over the
// samples that cleared the granularity floor.
type profileEntry struct {
	runs    int
	gpuCoef float64
	gpuN    int
	dspCoef float64
	dspN    int
}

type profileStore struct {
	mu sync.Mutex
	m  map[string]*profileEntry
}

func (p *profileStore) init() {
	p.m = make(map[string]*profileEntry)
}

// loads derives the split for a pattern. Before any timing exists every
// device with a kernel gets an equal share; afterwards shares are
// proportional to 1/coefficient with the CPU pinned at 1.
func (p *profileStore) loads(pattern string, haveCPU, haveGPU, haveDSP bool) (cpu, gpu, dsp int) {
	p.mu.Lock()
	e := p.m[pattern]
	p.mu.Unlock()

	if e == nil || e.runs == 0 {
		n := 0
		if haveCPU {
			n++
		}
		if haveGPU {
			n++
		}
		if haveDSP {
			n++
		}
		share := 100 / n
		if haveGPU {
			gpu = share
		}
		if haveDSP {
			dsp = share
		}
		if haveCPU {
			cpu = 100 - gpu - dsp
		} else if haveGPU {
			gpu = 100 - dsp
		} else {
			dsp = 100
		}
		return cpu, gpu, dsp
	}

	var wCPU, wGPU, wDSP float64
	if haveCPU {
		wCPU = 1
	}
	if haveGPU && e.gpuCoef > 0 {
		wGPU = 1 / e.gpuCoef
	} else if haveGPU {
		wGPU = 1
	}
	if haveDSP && e.dspCoef > 0 {
		wDSP = 1 / e.dspCoef
	} else if haveDSP {
		wDSP = 1
	}
	total := wCPU + wGPU + wDSP
	gpu = int(100 * wGPU / total)
	dsp = int(100 * wDSP / total)
	if !haveCPU {
		// give the rounding remainder to the largest device share
		if wGPU >= wDSP {
			gpu = 100 - dsp
		} else {
			dsp = 100 - gpu
		}
		return 0, gpu, dsp
	}
	return 100 - gpu - dsp, gpu, dsp
}

// profileGranularity is the smallest sample worth learning from.
// Timings below it are dominated by dispatch overhead.
const profileGranularity = 100 * time.Microsecond

// update folds one run's timings into the pattern's running-average
// coefficients. The run is always counted; iteration counts of zero,
// or samples under the granularity floor, leave the corresponding
// coefficient untouched.
func (p *profileStore) update(pattern string, cpuT, gpuT, dspT time.Duration, cpuN, gpuN, dspN int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.m[pattern]
	if e == nil {
		e = &profileEntry{}
		p.m[pattern] = e
	}
	e.runs++
	if cpuN == 0 || cpuT < profileGranularity {
		return
	}
	cpuPer := float64(cpuT) / float64(cpuN)
	if gpuN > 0 && gpuT >= profileGranularity {
		e.gpuN++
		e.gpuCoef = foldCoef(e.gpuCoef, e.gpuN, (float64(gpuT)/float64(gpuN))/cpuPer)
	}
	if dspN > 0 && dspT >= profileGranularity {
		e.dspN++
		e.dspCoef = foldCoef(e.dspCoef, e.dspN, (float64(dspT)/float64(dspN))/cpuPer)
	}
}

// foldCoef folds the n-th sample into a cumulative mean.
func foldCoef(mean float64, n int, sample float64) float64 {
	return mean + (sample-mean)/float64(n)
}

func pforPanic(format string, args ...any) {
	panic(&APIError{Op: "pfor", Msg: fmt.Sprintf(format, args...)})
}

// pforRange splits r's outer dimension into chunks and runs body over
// each chunk on the worker pool, waiting for all of them. ec is the
// caller's execution context when the call originates inside a task
// body, nil otherwise.
func pforRange(rt *Runtime, ec *sched.ExecCtx, r Range, body func(sub Range)) error {
	if r.Empty() {
		return nil
	}
	outer := r.Size(0)
	chunks := 4 * rt.Workers()
	if chunks > outer {
		chunks = outer
	}
	if chunks <= 1 {
		body(r)
		return nil
	}

	g := rt.s.NewPForGroup(nil)
	st := r.Stride[0]
	per := (outer + chunks - 1) / chunks
	for lo := 0; lo < outer; lo += per {
		hi := lo + per
		if hi > outer {
			hi = outer
		}
		sub := r.SubOuter(r.Begin[0]+lo*st, r.Begin[0]+hi*st)
		t := rt.s.NewTask(0, func(*sched.ExecCtx) (any, error) {
			body(sub)
			return nil, nil
		})
		t.Launch(g)
	}
	return g.Wait(ec)
}

// PForEach runs fn once for every index of the 1D range r, in parallel
// across the CPU worker pool, and returns when all iterations are done.
// Iterations must not depend on each other.
func PForEach(rt *Runtime, r Range, fn func(i int)) error {
	if r.Dims != 1 {
		pforPanic("PForEach wants a 1D range, got %dD; use PForEachND", r.Dims)
	}
	return pforRange(rt, nil, r, func(sub Range) { sub.Each1D(fn) })
}

// PForEachND is PForEach over a 2D or 3D range. The outer dimension is
// chunked across workers; fn receives one point per call, with unused
// trailing dimensions zero.
func PForEachND(rt *Runtime, r Range, fn func(i, j, k int)) error {
	return pforRange(rt, nil, r, func(sub Range) { sub.Each(fn) })
}

// PForEachAsync returns an unlaunched task that runs PForEach when
// executed. The returned task completes after the last iteration.
func PForEachAsync(rt *Runtime, r Range, fn func(i int)) *Task[Void] {
	if r.Dims != 1 {
		pforPanic("PForEachAsync wants a 1D range, got %dD", r.Dims)
	}
	return NewVoidTask(rt, func(c *Ctx) error {
		return pforRange(rt, c.ec, r, func(sub Range) { sub.Each1D(fn) })
	})
}

// deviceShare is one device's slice of a heterogeneous dispatch:
// iteration positions [lo, hi) of the full range, a privatized output
// of the full length, and the measured wall time.
type deviceShare struct {
	lo, hi  int
	priv    any
	elapsed time.Duration
}

// PForEachHetero splits the 1D range r across CPU, GPU and DSP kernels
// according to the tuner and writes the results into out. Each kernel
// computes iteration i into output position (i-begin)/stride, so out
// must have exactly r.Volume() elements. out and the input buffers are
// committed as one acquire set (inputs read-only, out
// write-invalidate) held for the whole dispatch; each device share
// rides on that grant with a non-locking child set.
//
// The CPU share runs synchronously on the calling goroutine; device
// shares execute on their executors with privatized outputs that are
// merged into out after all shares complete. A failed share aborts the
// merge: out keeps its prior contents in the failed positions, and the
// call still releases every buffer.
func PForEachHetero[T any](rt *Runtime, r Range, out *Buffer[T], ks KernelSet[T], tuner Tuner, inputs ...AnyBuffer) error {
	if r.Dims != 1 {
		pforPanic("PForEachHetero wants a 1D range, got %dD", r.Dims)
	}
	vol := r.Volume()
	if vol != out.Len() {
		pforPanic("range has %d iterations but output buffer has %d elements", vol, out.Len())
	}
	haveCPU, haveGPU, haveDSP := ks.CPU.Valid(), ks.GPU.Valid(), ks.DSP.Valid()
	if !haveCPU && !haveGPU && !haveDSP {
		pforPanic("kernel set is empty")
	}

	pattern := tuner.Pattern
	if pattern == "" {
		pattern = ks.pattern()
	}
	var cpuLoad, gpuLoad, dspLoad int
	switch {
	case tuner.AutoProfile:
		cpuLoad, gpuLoad, dspLoad = rt.profiles.loads(pattern, haveCPU, haveGPU, haveDSP)
	case tuner.CPULoad == 0 && tuner.GPULoad == 0 && tuner.DSPLoad == 0:
		cpuLoad = 100
	default:
		cpuLoad, gpuLoad, dspLoad = tuner.CPULoad, tuner.GPULoad, tuner.DSPLoad
	}
	if cpuLoad < 0 || gpuLoad < 0 || dspLoad < 0 || cpuLoad+gpuLoad+dspLoad != 100 {
		pforPanic("loads %d/%d/%d must be non-negative and sum to 100", cpuLoad, gpuLoad, dspLoad)
	}
	if cpuLoad > 0 && !haveCPU {
		pforPanic("cpu load %d but no cpu kernel", cpuLoad)
	}
	if gpuLoad > 0 && !haveGPU {
		pforPanic("gpu load %d but no gpu kernel", gpuLoad)
	}
	if dspLoad > 0 && !haveDSP {
		pforPanic("dsp load %d but no dsp kernel", dspLoad)
	}

	if vol == 0 {
		return nil
	}

	// Every output position is written exactly once, so out is
	// write-invalidate unless the merge leaves gaps (it never does for
	// a full-volume range).
	set := mem.NewAcquireSet()
	for _, in := range inputs {
		set.Add(in.rawBuf(), device.CPU, mem.ModeRO)
	}
	set.Add(out.rawBuf(), device.CPU, mem.ModeWI)
	set.Acquire()
	defer set.Release()
	host := out.HostSlice()

	// Iteration positions: [0,gpuHi) GPU, [gpuHi,dspHi) DSP, rest CPU.
	gpuHi := vol * gpuLoad / 100
	dspHi := gpuHi + vol*dspLoad/100
	if cpuLoad == 0 {
		dspHi = vol
		if dspLoad == 0 {
			gpuHi = vol
		}
	}
	begin, stride := r.Begin[0], r.Stride[0]
	subAt := func(lo, hi int) Range {
		return r.SubOuter(begin+lo*stride, begin+hi*stride)
	}

	g := rt.s.NewPForGroup(nil)
	gpuShare := &deviceShare{lo: 0, hi: gpuHi}
	dspShare := &deviceShare{lo: gpuHi, hi: dspHi}

	if gpuHi > 0 {
		priv := make([]T, vol)
		gpuShare.priv = priv
		child := childAcquireSet(out, device.GPU, inputs)
		launchGPUShare(rt, g, ks.GPU, subAt(0, gpuHi), priv, gpuShare, child)
	}
	if dspHi > gpuHi {
		priv := make([]T, vol)
		dspShare.priv = priv
		child := childAcquireSet(out, device.DSP, inputs)
		launchDSPShare(rt, g, ks.DSP, subAt(gpuHi, dspHi), priv, dspShare, child)
	}

	var cpuElapsed time.Duration
	cpuN := vol - dspHi
	if cpuN > 0 {
		start := time.Now()
		fn := ks.CPU.fn
		subAt(dspHi, vol).Each1D(func(i int) { fn(i, host) })
		cpuElapsed = time.Since(start)
	}

	err := g.Wait(nil)
	if err != nil {
		// A failed share means unknown coverage: abort the merge.
		return err
	}

	if gpuShare.priv != nil {
		copy(host[gpuShare.lo:gpuShare.hi], gpuShare.priv.([]T)[gpuShare.lo:gpuShare.hi])
	}
	if dspShare.priv != nil {
		copy(host[dspShare.lo:dspShare.hi], dspShare.priv.([]T)[dspShare.lo:dspShare.hi])
	}

	if tuner.AutoProfile {
		rt.profiles.update(pattern,
			cpuElapsed, gpuShare.elapsed, dspShare.elapsed,
			cpuN, gpuShare.hi-gpuShare.lo, dspShare.hi-dspShare.lo)
	}
	return nil
}

// childAcquireSet builds the non-locking set a device share acquires
// under the dispatcher's grant: input arenas for kind are materialized
// and seeded, out is marked pre-acquired because the share writes a
// privatized output that the dispatcher merges on the host side.
func childAcquireSet(out AnyBuffer, kind device.Kind, inputs []AnyBuffer) *mem.AcquireSet {
	child := mem.NewAcquireSet()
	for _, in := range inputs {
		child.Add(in.rawBuf(), kind, mem.ModeRO)
	}
	child.Add(out.rawBuf(), kind, mem.ModeWI)
	child.MarkPreAcquired(out.rawBuf())
	child.SetNonLocking()
	return child
}

// launchGPUShare submits the GPU's subrange as one invocation on the
// command queue, inside a task so failure cancels the loop group.
func launchGPUShare[T any](rt *Runtime, g *sched.Group, k Kernel[T], sub Range, priv []T, share *deviceShare, bufs *mem.AcquireSet) {
	dk := k.deviceKernel()
	t := rt.s.NewTask(0, func(ec *sched.ExecCtx) (any, error) {
		bufs.Acquire()
		defer bufs.Release()
		start := time.Now()
		done := make(chan error, 1)
		rt.gpu.Submit(&device.Invocation{Kernel: dk, Range: sub, Args: []any{priv}}, func(err error) {
			done <- err
		})
		var kerr error
		ec.Blocking(func() { kerr = <-done })
		share.elapsed = time.Since(start)
		if kerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrGPUFailure, kerr)
		}
		return nil, nil
	})
	t.Launch(g)
}

// launchDSPShare splits the DSP's subrange across the simulated
// hardware threads, one invocation each, all writing disjoint
// positions of the shared privatized output.
func launchDSPShare[T any](rt *Runtime, g *sched.Group, k Kernel[T], sub Range, priv []T, share *deviceShare, bufs *mem.AcquireSet) {
	dk := k.deviceKernel()
	threads := rt.dspThreads
	if threads < 1 {
		threads = 1
	}
	t := rt.s.NewTask(0, func(ec *sched.ExecCtx) (any, error) {
		bufs.Acquire()
		defer bufs.Release()
		start := time.Now()
		outer := sub.Size(0)
		if outer < threads {
			threads = outer
		}
		st := sub.Stride[0]
		per := (outer + threads - 1) / threads
		var wg sync.WaitGroup
		errs := make([]error, threads)
		slot := 0
		for lo := 0; lo < outer; lo += per {
			hi := lo + per
			if hi > outer {
				hi = outer
			}
			piece := sub.SubOuter(sub.Begin[0]+lo*st, sub.Begin[0]+hi*st)
			wg.Add(1)
			i := slot
			slot++
			rt.dsp.Submit(&device.Invocation{Kernel: dk, Range: piece, Args: []any{priv}}, func(err error) {
				errs[i] = err
				wg.Done()
			})
		}
		ec.Blocking(wg.Wait)
		share.elapsed = time.Since(start)
		for _, err := range errs {
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDSPFailure, err)
			}
		}
		return nil, nil
	})
	t.Launch(g)
}
