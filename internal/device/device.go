// Package device defines the device model the runtime schedules onto:
// device kinds, kernel handles with their parameter descriptors, and
// the executor contract that submits kernel invocations to a device.
// Two in-process simulated executors (a serializing GPU command queue
// and a multi-threaded DSP) ship with the package; real transports
// implement the same interface and are injected at runtime
// construction.
package device

import "fmt"

// Kind identifies a device class.
type Kind int

const (
	CPU Kind = iota
	GPU
	DSP

	// KindCount sizes per-device arrays (arenas, authoritative sets).
	KindCount
)

func (k Kind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	case DSP:
		return "dsp"
	}
	return fmt.Sprintf("device(%d)", int(k))
}

// ParamKind describes one kernel parameter slot.
type ParamKind int

const (
	ParamScalar ParamKind = iota
	ParamBufferIn
	ParamBufferOut
	ParamBufferInOut
	ParamTexture
	ParamRange
)

// KernelFunc is the simulated device binary: it receives the sub-range
// assigned to the device and the bound argument values. Index math and
// output writes are the kernel's own business; the runtime only
// guarantees exclusive access to the output slices it hands over.
type KernelFunc func(r Range, args []any) error

// Kernel is an opaque launchable handle. Kernels are values: tasks and
// dispatchers capture them by copy.
type Kernel struct {
	Kind   Kind
	Name   string
	Params []ParamKind
	Fn     KernelFunc
}

// Valid reports whether the kernel can be launched at all.
func (k Kernel) Valid() bool { return k.Fn != nil && k.Kind >= 0 && k.Kind < KindCount }

// OutputParam returns the index of the single output-buffer parameter,
// or -1 when the kernel declares none.
func (k Kernel) OutputParam() int {
	for i, p := range k.Params {
		if p == ParamBufferOut {
			return i
		}
	}
	return -1
}

// Invocation is one kernel launch prepared by the dispatcher: the
// kernel, the sub-range it covers and the resolved argument values.
type Invocation struct {
	Kernel Kernel
	Range  Range
	Args   []any
}

// Executor submits invocations to one device. Submit must not block:
// completion is reported through done, possibly on another goroutine.
// Close drains outstanding work before returning.
type Executor interface {
	Kind() Kind
	Submit(inv *Invocation, done func(error))
	Close() error
}
