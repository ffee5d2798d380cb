package device

import "fmt"

// KernelPanicError wraps a panic escaping a simulated kernel body so
// the completion callback can report it as a device error.
type KernelPanicError struct {
	Kernel string
	Value  any
}

func (e *KernelPanicError) Error() string {
	return fmt.Sprintf("device: kernel %q panicked: %v", e.Kernel, e.Value)
}
