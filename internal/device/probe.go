package device

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HostInfo describes the host CPU the runtime was started on. The
// vector-width fields feed the default tuner's CPU weighting.
type HostInfo struct {
	Cores  int
	AVX2   bool
	AVX512 bool
	NEON   bool
}

// ProbeHost inspects the host CPU once at runtime construction.
func ProbeHost() HostInfo {
	return HostInfo{
		Cores:  runtime.NumCPU(),
		AVX2:   cpu.X86.HasAVX2,
		AVX512: cpu.X86.HasAVX512F && cpu.X86.HasAVX512VL,
		NEON:   cpu.ARM64.HasASIMD,
	}
}

// VectorWidth returns the widest SIMD lane count for float32 work, used
// as a cheap relative-throughput prior before auto-profiling has data.
func (h HostInfo) VectorWidth() int {
	switch {
	case h.AVX512:
		return 16
	case h.AVX2:
		return 8
	case h.NEON:
		return 4
	}
	return 1
}
