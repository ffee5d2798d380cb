// Package mosaic is the top-level convenience surface of the mosaic
// heterogeneous compute runtime. It re-exports the pkg/hetero API so
// applications can depend on a single import path.
package mosaic

import (
	"github.com/mosaicrt/mosaic/pkg/hetero"
)

// Runtime owns the worker pool, the device executors and the
// auto-profile store.
type Runtime = hetero.Runtime

// Option configures a runtime.
type Option = hetero.Option

// New constructs and starts a runtime.
func New(opts ...Option) *Runtime { return hetero.New(opts...) }

// Runtime options.
var (
	WithWorkers       = hetero.WithWorkers
	WithQueueCapacity = hetero.WithQueueCapacity
	WithDSPThreads    = hetero.WithDSPThreads
	WithVerbose       = hetero.WithVerbose
	WithLogger        = hetero.WithLogger
	WithGPUExecutor   = hetero.WithGPUExecutor
	WithDSPExecutor   = hetero.WithDSPExecutor
)

// Task bodies receive a Ctx; Void is the return type of tasks that
// produce no value.
type (
	Ctx   = hetero.Ctx
	Void  = hetero.Void
	Group = hetero.Group
	Stats = hetero.Stats
)

// Failure sentinels.
var (
	ErrCanceled   = hetero.ErrCanceled
	ErrGPUFailure = hetero.ErrGPUFailure
	ErrDSPFailure = hetero.ErrDSPFailure
)

// Iteration spaces for the parallel-for dispatchers.
type Range = hetero.Range

var (
	NewRange        = hetero.NewRange
	NewRangeStrided = hetero.NewRangeStrided
	NewRange2D      = hetero.NewRange2D
	NewRange3D      = hetero.NewRange3D
)

// Tuner steers the heterogeneous parallel-for work split.
type Tuner = hetero.Tuner

// Pipeline stage kinds.
const (
	SerialInOrder    = hetero.SerialInOrder
	SerialOutOfOrder = hetero.SerialOutOfOrder
	Parallel         = hetero.Parallel
)
