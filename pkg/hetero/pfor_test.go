package hetero

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicrt/mosaic/internal/device"
)

func TestPForEachVisitsEveryIndex(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(4))
	const n = 10_000

	var hits [n]atomic.Int32
	require.NoError(t, PForEach(rt, NewRange(0, n), func(i int) {
		hits[i].Add(1)
	}))
	for i := range hits {
		require.Equalf(t, int32(1), hits[i].Load(), "index %d", i)
	}
}

func TestPForEachStrided(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(4))

	var sum atomic.Int64
	require.NoError(t, PForEach(rt, NewRangeStrided(0, 100, 3), func(i int) {
		sum.Add(int64(i))
	}))
	// 0+3+6+...+99
	assert.Equal(t, int64(1683), sum.Load())
}

func TestPForEachND(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(4))

	var cells atomic.Int64
	require.NoError(t, PForEachND(rt, NewRange2D(0, 8, 0, 16), func(i, j, k int) {
		assert.Equal(t, 0, k)
		cells.Add(1)
	}))
	assert.Equal(t, int64(128), cells.Load())
}

func TestPForEachAsync(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(4))

	var sum atomic.Int64
	tk := PForEachAsync(rt, NewRange(1, 101), func(i int) { sum.Add(int64(i)) })
	tk.Launch()
	require.NoError(t, tk.Wait())
	assert.Equal(t, int64(5050), sum.Load())
}

func doubleKernels() KernelSet[int32] {
	dbl := func(i int, out []int32) { out[i] = int32(2 * i) }
	return KernelSet[int32]{
		CPU: NewCPUKernel("double", dbl),
		GPU: NewGPUKernel("double", dbl),
		DSP: NewDSPKernel("double", dbl),
	}
}

func TestHeteroSplitMatchesSequential(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(4))
	const n = 1024

	out := NewBuffer[int32](rt, n)
	defer out.Destroy()
	ks := doubleKernels()

	require.NoError(t, PForEachHetero(rt, NewRange(0, n),
		out, ks, Tuner{CPULoad: 50, GPULoad: 50}))

	want := make([]int32, n)
	for i := range want {
		want[i] = int32(2 * i)
	}
	out.AcquireRO()
	got := append([]int32(nil), out.HostSlice()...)
	out.Release()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestHeteroDeterministicAcrossSplits(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(4))
	const n = 777
	ks := doubleKernels()

	run := func(tuner Tuner) []int32 {
		out := NewBuffer[int32](rt, n)
		defer out.Destroy()
		require.NoError(t, PForEachHetero(rt, NewRange(0, n), out, ks, tuner))
		out.AcquireRO()
		defer out.Release()
		return append([]int32(nil), out.HostSlice()...)
	}

	base := run(Tuner{CPULoad: 100})
	assert.Equal(t, base, run(Tuner{GPULoad: 100, CPULoad: 0}))
	assert.Equal(t, base, run(Tuner{DSPLoad: 100, CPULoad: 0}))
	assert.Equal(t, base, run(Tuner{CPULoad: 30, GPULoad: 40, DSPLoad: 30}))
}

func TestHeteroStridedRange(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(2))
	r := NewRangeStrided(10, 50, 4) // 10,14,...,46: 10 iterations
	out := NewBuffer[int32](rt, r.Volume())
	defer out.Destroy()

	ks := KernelSet[int32]{
		CPU: NewCPUKernel("idx", func(i int, o []int32) { o[(i-10)/4] = int32(i) }),
		GPU: NewGPUKernel("idx", func(i int, o []int32) { o[(i-10)/4] = int32(i) }),
	}
	require.NoError(t, PForEachHetero(rt, r, out, ks, Tuner{CPULoad: 50, GPULoad: 50}))

	out.AcquireRO()
	defer out.Release()
	for k := 0; k < r.Volume(); k++ {
		assert.Equal(t, int32(10+4*k), out.At(k))
	}
}

func TestHeteroReadsInputBuffers(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(2))
	const n = 256

	in := NewBuffer[int32](rt, n)
	in.AcquireWI()
	for i := 0; i < n; i++ {
		in.Set(i, int32(i+1))
	}
	src := in.HostSlice()
	in.Release()
	out := NewBuffer[int32](rt, n)
	defer in.Destroy()
	defer out.Destroy()

	ks := KernelSet[int32]{
		CPU: NewCPUKernel("scale", func(i int, o []int32) { o[i] = 3 * src[i] }),
		DSP: NewDSPKernel("scale", func(i int, o []int32) { o[i] = 3 * src[i] }),
	}
	require.NoError(t, PForEachHetero(rt, NewRange(0, n), out, ks,
		Tuner{CPULoad: 40, DSPLoad: 60}, in))

	out.AcquireRO()
	defer out.Release()
	assert.Equal(t, int32(3*200), out.At(199))
}

func TestHeteroZeroTunerRunsOnCPU(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(2))
	out := NewBuffer[int32](rt, 64)
	defer out.Destroy()

	ks := KernelSet[int32]{CPU: NewCPUKernel("one", func(i int, o []int32) { o[i] = 1 })}
	require.NoError(t, PForEachHetero(rt, NewRange(0, 64), out, ks, Tuner{}))

	out.AcquireRO()
	defer out.Release()
	assert.Equal(t, int32(1), out.At(63))
}

func TestHeteroKernelErrorWrapsDeviceSentinel(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(2))
	out := NewBuffer[int32](rt, 64)
	defer out.Destroy()

	ks := KernelSet[int32]{
		CPU: NewCPUKernel("ok", func(i int, o []int32) { o[i] = 1 }),
		GPU: NewGPUKernel("bad", func(i int, o []int32) { panic("kernel blew up") }),
	}
	err := PForEachHetero(rt, NewRange(0, 64), out, ks, Tuner{CPULoad: 50, GPULoad: 50})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGPUFailure)
}

func TestHeteroValidationPanics(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(2))
	out := NewBuffer[int32](rt, 8)
	defer out.Destroy()
	ks := doubleKernels()

	assert.PanicsWithError(t, (&APIError{
		Op: "pfor", Msg: "loads 50/30/0 must be non-negative and sum to 100",
	}).Error(), func() {
		_ = PForEachHetero(rt, NewRange(0, 8), out, ks, Tuner{CPULoad: 50, GPULoad: 30})
	})
	assert.Panics(t, func() {
		_ = PForEachHetero(rt, NewRange(0, 9), out, ks, Tuner{CPULoad: 100})
	})
	assert.Panics(t, func() {
		noGPU := KernelSet[int32]{CPU: ks.CPU}
		_ = PForEachHetero(rt, NewRange(0, 8), out, noGPU, Tuner{CPULoad: 50, GPULoad: 50})
	})
}

func TestAutoProfileRebalances(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(2))
	const n = 2048
	ks := doubleKernels()
	tuner := Tuner{AutoProfile: true, Pattern: "double-test"}

	for run := 0; run < 3; run++ {
		out := NewBuffer[int32](rt, n)
		require.NoError(t, PForEachHetero(rt, NewRange(0, n), out, ks, tuner))
		out.AcquireRO()
		assert.Equal(t, int32(2*(n-1)), out.At(n-1))
		out.Release()
		out.Destroy()
	}

	rt.profiles.mu.Lock()
	e := rt.profiles.m["double-test"]
	rt.profiles.mu.Unlock()
	require.NotNil(t, e)
	// tiny kernels may fall under the timing granularity; runs still count
	assert.GreaterOrEqual(t, e.runs, 1)
}

func TestProfileStoreLoads(t *testing.T) {
	var p profileStore
	p.init()

	cpu, gpu, dsp := p.loads("x", true, true, true)
	assert.Equal(t, 100, cpu+gpu+dsp)
	assert.Equal(t, gpu, dsp)

	// gpu twice as slow as cpu, dsp absent
	p.m["x"] = &profileEntry{runs: 1, gpuCoef: 2}
	cpu, gpu, dsp = p.loads("x", true, true, false)
	assert.Equal(t, 100, cpu+gpu+dsp)
	assert.Equal(t, 0, dsp)
	assert.Greater(t, cpu, gpu)
}

func TestProfileStoreSkipsTinySamples(t *testing.T) {
	var p profileStore
	p.init()

	p.update("y", 50_000, 10_000, 0, 100, 100, 0) // under granularity
	e := p.m["y"]
	require.NotNil(t, e, "the run itself always counts")
	assert.Equal(t, 1, e.runs)
	assert.Zero(t, e.gpuCoef, "tiny samples leave coefficients alone")

	p.update("y", 200_000, 400_000, 0, 100, 100, 0)
	assert.Equal(t, 2, e.runs)
	assert.InDelta(t, 2.0, e.gpuCoef, 0.01)
}

func TestProfileStoreFoldsRunningAverage(t *testing.T) {
	var p profileStore
	p.init()

	p.update("z", 200_000, 400_000, 0, 100, 100, 0) // gpu coef 2
	p.update("z", 200_000, 800_000, 0, 100, 100, 0) // gpu coef 4
	e := p.m["z"]
	require.NotNil(t, e)
	assert.Equal(t, 2, e.runs)
	assert.InDelta(t, 3.0, e.gpuCoef, 0.01, "coefficients are cumulative means")
}

func TestHeteroSharesSeedDeviceArenas(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(2))
	const n = 16

	backing := make([]int32, n)
	for i := range backing {
		backing[i] = 9
	}
	in := WrapSlice(rt, backing)
	out := NewBuffer[int32](rt, n)
	defer in.Destroy()
	defer out.Destroy()

	fn := func(i int, o []int32) { o[i] = 2 * backing[i] }
	ks := KernelSet[int32]{
		CPU: NewCPUKernel("dbl", fn),
		GPU: NewGPUKernel("dbl", fn),
	}
	require.NoError(t, PForEachHetero(rt, NewRange(0, n), out, ks,
		Tuner{CPULoad: 50, GPULoad: 50}, in))

	// The GPU share's own acquire seeds the input's device arena from
	// the authoritative host copy; a skipped acquire leaves it zeroed.
	gpu := in.rawBuf().Arena(device.GPU).Bytes()
	require.Len(t, gpu, n*4)
	assert.NotEqual(t, []byte{0, 0, 0, 0}, gpu[:4])

	out.AcquireRO()
	defer out.Release()
	assert.Equal(t, int32(18), out.At(n-1))
}

func TestHeteroFailedRunSkipsMerge(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(2))
	const n = 32

	backing := make([]int32, n)
	for i := range backing {
		backing[i] = 7
	}
	out := WrapSlice(rt, backing)
	defer out.Destroy()

	ks := KernelSet[int32]{
		CPU: NewCPUKernel("ok", func(i int, o []int32) { o[i] = 1 }),
		GPU: NewGPUKernel("bad", func(i int, o []int32) { panic("gpu fault") }),
	}
	err := PForEachHetero(rt, NewRange(0, n), out, ks, Tuner{CPULoad: 50, GPULoad: 50})
	require.ErrorIs(t, err, ErrGPUFailure)

	// The gpu share covered [0,16); its privatized output must not
	// reach the destination after the failure.
	out.AcquireRO()
	defer out.Release()
	for i := 0; i < 16; i++ {
		require.EqualValuesf(t, 7, out.At(i), "index %d", i)
	}
}

func TestHeteroCanceledGroupSurfaces(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(2))
	out := NewBuffer[int32](rt, 32)
	defer out.Destroy()

	boom := errors.New("dsp fault")
	ks := KernelSet[int32]{
		CPU: NewCPUKernel("ok", func(i int, o []int32) { o[i] = 1 }),
		DSP: NewDSPKernel("bad", func(i int, o []int32) { panic(boom) }),
	}
	err := PForEachHetero(rt, NewRange(0, 32), out, ks, Tuner{CPULoad: 50, DSPLoad: 50})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDSPFailure)
}
