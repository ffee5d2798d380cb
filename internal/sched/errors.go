package sched

import (
	"errors"
	"fmt"
)

// Failure kinds surfaced by Task.Wait and Group.Wait. User errors pass
// through wrapped; these sentinels classify runtime-originated failures.
var (
	// ErrCanceled reports that a task (or the group being waited on) was
	// canceled without an attached error.
	ErrCanceled = errors.New("sched: task canceled")

	// ErrGPUFailure classifies errors reported by the GPU executor.
	ErrGPUFailure = errors.New("sched: gpu execution failed")

	// ErrDSPFailure classifies errors reported by the DSP executor.
	ErrDSPFailure = errors.New("sched: dsp execution failed")
)

// APIError is the panic value raised on API misuse: launching an
// unbound task, double-binding an argument slot, counter overflow and
// the like. Misuse is a programming error, so it is fatal rather than
// returned.
type APIError struct {
	Op  string
	Msg string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sched: %s: %s", e.Op, e.Msg)
}

func apiPanic(op, format string, args ...any) {
	panic(&APIError{Op: op, Msg: fmt.Sprintf(format, args...)})
}

// abortSignal is thrown by ExecCtx.AbortOnCancel and converted by the
// scheduler into a terminal-canceled transition. It never escapes the
// worker loop.
type abortSignal struct{}

// IsAggregate reports whether err carries more than one task failure
// (built with errors.Join).
func IsAggregate(err error) bool {
	u, ok := err.(interface{ Unwrap() []error })
	return ok && len(u.Unwrap()) > 1
}
