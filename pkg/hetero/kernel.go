package hetero

import (
	"github.com/mosaicrt/mosaic/internal/device"
)

// Range is an iteration space for the parallel-for dispatchers,
// 1 to 3 dimensional with per-dimension stride.
type Range = device.Range

// NewRange builds a unit-stride 1D range over [begin, end).
func NewRange(begin, end int) Range { return device.NewRange1D(begin, end) }

// NewRangeStrided builds a 1D range visiting begin, begin+stride, ….
func NewRangeStrided(begin, end, stride int) Range {
	return device.NewRange1DStrided(begin, end, stride)
}

// NewRange2D builds a unit-stride 2D range.
func NewRange2D(b0, e0, b1, e1 int) Range { return device.NewRange2D(b0, e0, b1, e1) }

// NewRange3D builds a unit-stride 3D range.
func NewRange3D(b0, e0, b1, e1, b2, e2 int) Range {
	return device.NewRange3D(b0, e0, b1, e1, b2, e2)
}

// Invocation is one kernel launch on a device executor, used by GPU
// pipeline stages that build their own launches.
type Invocation = device.Invocation

// PointKernel computes one iteration of a heterogeneous parallel-for.
// i is the global iteration index; the kernel writes the iteration's
// output slot out[(i-begin)/stride], which for zero-based unit-stride
// ranges is simply out[i]. Inputs are whatever the closure captures.
type PointKernel[T any] func(i int, out []T)

// Kernel pairs a point kernel with the device it targets. Kernels are
// values; dispatchers capture them by copy.
type Kernel[T any] struct {
	kind device.Kind
	name string
	fn   PointKernel[T]
}

// NewCPUKernel wraps fn as a CPU kernel.
func NewCPUKernel[T any](name string, fn PointKernel[T]) Kernel[T] {
	return Kernel[T]{kind: device.CPU, name: name, fn: fn}
}

// NewGPUKernel wraps fn as a GPU kernel; it will run on the GPU
// executor's command queue.
func NewGPUKernel[T any](name string, fn PointKernel[T]) Kernel[T] {
	return Kernel[T]{kind: device.GPU, name: name, fn: fn}
}

// NewDSPKernel wraps fn as a DSP kernel.
func NewDSPKernel[T any](name string, fn PointKernel[T]) Kernel[T] {
	return Kernel[T]{kind: device.DSP, name: name, fn: fn}
}

// Valid reports whether the kernel carries a body.
func (k Kernel[T]) Valid() bool { return k.fn != nil }

// Name returns the kernel's name.
func (k Kernel[T]) Name() string { return k.name }

// Device lowers the typed kernel to the executor representation, for
// callers assembling their own Invocations.
func (k Kernel[T]) Device() device.Kernel { return k.deviceKernel() }

// deviceKernel lowers the typed kernel to an executor invocation. The
// output view travels as args[0].
func (k Kernel[T]) deviceKernel() device.Kernel {
	fn := k.fn
	return device.Kernel{
		Kind:   k.kind,
		Name:   k.name,
		Params: []device.ParamKind{device.ParamRange, device.ParamBufferOut},
		Fn: func(r device.Range, args []any) error {
			out := args[0].([]T)
			r.Each1D(func(i int) { fn(i, out) })
			return nil
		},
	}
}

// KernelSet is the per-device kernel tuple of a heterogeneous
// parallel-for: at most one kernel per device, any subset present.
type KernelSet[T any] struct {
	CPU Kernel[T]
	GPU Kernel[T]
	DSP Kernel[T]
}

func (ks KernelSet[T]) pattern() string {
	name := ks.CPU.name
	if name == "" {
		name = ks.GPU.name
	}
	if name == "" {
		name = ks.DSP.name
	}
	return name
}
