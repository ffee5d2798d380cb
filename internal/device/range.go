package device

import "fmt"

// Range is a 1-3 dimensional iteration space with a per-dimension
// stride. Bounds are half-open. Splitting for heterogeneous dispatch
// always happens along dimension 0 (the outermost).
type Range struct {
	Dims   int
	Begin  [3]int
	End    [3]int
	Stride [3]int
}

// NewRange1D builds a unit-stride 1D range over [begin, end).
func NewRange1D(begin, end int) Range {
	return NewRange1DStrided(begin, end, 1)
}

// NewRange1DStrided builds a 1D range visiting begin, begin+stride, ….
func NewRange1DStrided(begin, end, stride int) Range {
	checkDim(begin, end, stride)
	return Range{Dims: 1, Begin: [3]int{begin}, End: [3]int{end}, Stride: [3]int{stride, 1, 1}}
}

// NewRange2D builds a unit-stride 2D range.
func NewRange2D(b0, e0, b1, e1 int) Range {
	checkDim(b0, e0, 1)
	checkDim(b1, e1, 1)
	return Range{Dims: 2, Begin: [3]int{b0, b1}, End: [3]int{e0, e1}, Stride: [3]int{1, 1, 1}}
}

// NewRange3D builds a unit-stride 3D range.
func NewRange3D(b0, e0, b1, e1, b2, e2 int) Range {
	checkDim(b0, e0, 1)
	checkDim(b1, e1, 1)
	checkDim(b2, e2, 1)
	return Range{
		Dims:   3,
		Begin:  [3]int{b0, b1, b2},
		End:    [3]int{e0, e1, e2},
		Stride: [3]int{1, 1, 1},
	}
}

func checkDim(begin, end, stride int) {
	if end < begin {
		panic(fmt.Sprintf("device: invalid range bounds [%d, %d)", begin, end))
	}
	if stride < 1 {
		panic(fmt.Sprintf("device: invalid stride %d", stride))
	}
}

// Size returns the iteration count along dimension d, honoring stride.
func (r Range) Size(d int) int {
	span := r.End[d] - r.Begin[d]
	if span <= 0 {
		return 0
	}
	return (span + r.Stride[d] - 1) / r.Stride[d]
}

// Volume is the total iteration count of the range.
func (r Range) Volume() int {
	v := 1
	for d := 0; d < r.Dims; d++ {
		v *= r.Size(d)
	}
	return v
}

// Empty reports whether the range visits no point.
func (r Range) Empty() bool { return r.Volume() == 0 }

// UnitStride reports whether every dimension has stride 1.
func (r Range) UnitStride() bool {
	for d := 0; d < r.Dims; d++ {
		if r.Stride[d] != 1 {
			return false
		}
	}
	return true
}

// SubOuter returns a copy of r with dimension 0 restricted to
// [begin, end). Inner dimensions are untouched.
func (r Range) SubOuter(begin, end int) Range {
	s := r
	s.Begin[0] = begin
	s.End[0] = end
	return s
}

// AlignUp rounds v up to the next point of dimension 0's stride grid.
func (r Range) AlignUp(v int) int {
	st := r.Stride[0]
	off := (v - r.Begin[0]) % st
	if off == 0 {
		return v
	}
	return v + st - off
}

// Each1D visits every index of a 1D range in order.
func (r Range) Each1D(fn func(i int)) {
	for i := r.Begin[0]; i < r.End[0]; i += r.Stride[0] {
		fn(i)
	}
}

// Each visits every point of the range in row-major order. Missing
// dimensions are reported as zero.
func (r Range) Each(fn func(i0, i1, i2 int)) {
	switch r.Dims {
	case 1:
		for i := r.Begin[0]; i < r.End[0]; i += r.Stride[0] {
			fn(i, 0, 0)
		}
	case 2:
		for i := r.Begin[0]; i < r.End[0]; i += r.Stride[0] {
			for j := r.Begin[1]; j < r.End[1]; j += r.Stride[1] {
				fn(i, j, 0)
			}
		}
	default:
		for i := r.Begin[0]; i < r.End[0]; i += r.Stride[0] {
			for j := r.Begin[1]; j < r.End[1]; j += r.Stride[1] {
				for k := r.Begin[2]; k < r.End[2]; k += r.Stride[2] {
					fn(i, j, k)
				}
			}
		}
	}
}

func (r Range) String() string {
	switch r.Dims {
	case 2:
		return fmt.Sprintf("range2(%d:%d, %d:%d)", r.Begin[0], r.End[0], r.Begin[1], r.End[1])
	case 3:
		return fmt.Sprintf("range3(%d:%d, %d:%d, %d:%d)",
			r.Begin[0], r.End[0], r.Begin[1], r.End[1], r.Begin[2], r.End[2])
	default:
		if r.Stride[0] != 1 {
			return fmt.Sprintf("range(%d:%d:%d)", r.Begin[0], r.End[0], r.Stride[0])
		}
		return fmt.Sprintf("range(%d:%d)", r.Begin[0], r.End[0])
	}
}
