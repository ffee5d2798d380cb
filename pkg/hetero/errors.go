package hetero

import "github.com/mosaicrt/mosaic/internal/sched"

// Failure classifications returned by Wait. User errors returned from a
// task body pass through unwrapped; these sentinels cover the
// runtime-originated cases.
var (
	// ErrCanceled reports cancellation without an attached error.
	ErrCanceled = sched.ErrCanceled

	// ErrGPUFailure wraps errors reported by the GPU executor.
	ErrGPUFailure = sched.ErrGPUFailure

	// ErrDSPFailure wraps errors reported by the DSP executor.
	ErrDSPFailure = sched.ErrDSPFailure
)

// APIError is the panic value raised on API misuse (unbound launch,
// duplicate bind, load percentages not summing to 100, …). Misuse is a
// programming error and deliberately not a returned error.
type APIError = sched.APIError

// IsAggregate reports whether err bundles more than one task failure.
// Individual failures are reachable through errors.Is / errors.As.
func IsAggregate(err error) bool { return sched.IsAggregate(err) }
