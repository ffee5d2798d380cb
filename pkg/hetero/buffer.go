package hetero

import (
	"fmt"
	"unsafe"

	"github.com/mosaicrt/mosaic/internal/device"
	"github.com/mosaicrt/mosaic/internal/mem"
)

// Region is a file-backed memory region buffers can wrap.
type Region = mem.Region

// OpenRegion maps a file read-only.
func OpenRegion(path string) (*Region, error) { return mem.OpenRegion(path) }

// CreateRegion creates a file of the given size and maps it read-write.
func CreateRegion(path string, size int) (*Region, error) { return mem.CreateRegion(path, size) }

// OpenRegionRW maps an existing file read-write.
func OpenRegionRW(path string) (*Region, error) { return mem.OpenRegionRW(path) }

// TextureDesc describes a texture reinterpretation of a buffer.
type TextureDesc = mem.TextureDesc

// Texture formats.
const (
	TexR32F     = mem.TexR32F
	TexRGBA8888 = mem.TexRGBA8888
)

// Buffer is a logical array of T elements kept coherent across host and
// device arenas. Host access follows acquire/release scoping; device
// access is arranged by the dispatchers.
//
// T must not contain pointers: device arenas are copied bytewise.
type Buffer[T any] struct {
	rt *Runtime
	b  *mem.Buffer
}

// AnyBuffer is any typed buffer, regardless of element type. Only
// Buffer instantiations implement it.
type AnyBuffer interface {
	rawBuf() *mem.Buffer
}

func (b *Buffer[T]) rawBuf() *mem.Buffer { return b.b }

func sizeOf[T any]() int {
	var z T
	return int(unsafe.Sizeof(z))
}

// NewBuffer allocates a buffer of n elements. n == 0 panics.
func NewBuffer[T any](rt *Runtime, n int, likely ...device.Kind) *Buffer[T] {
	return &Buffer[T]{rt: rt, b: mem.NewBuffer(sizeOf[T](), n, likely...)}
}

// WrapSlice builds a buffer over a caller-owned slice. The host is
// authoritative from the start and writes are visible in s after
// release.
func WrapSlice[T any](rt *Runtime, s []T) *Buffer[T] {
	if len(s) == 0 {
		panic("hetero: WrapSlice of empty slice")
	}
	bytes := unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*sizeOf[T]())
	return &Buffer[T]{rt: rt, b: mem.WrapBytes(bytes, sizeOf[T](), len(s))}
}

// WrapRegion builds a buffer over a file region. n == 0 derives the
// element count from the region size. Writable regions are aliased;
// read-only regions are copied in on first host acquire.
func WrapRegion[T any](rt *Runtime, rg *Region, n int) *Buffer[T] {
	return &Buffer[T]{rt: rt, b: mem.WrapRegion(rg, sizeOf[T](), n)}
}

// Len is the element count.
func (b *Buffer[T]) Len() int { return b.b.Len() }

// AcquireRO takes or deepens shared host read access, blocking while a
// device holds the buffer.
func (b *Buffer[T]) AcquireRO() { b.b.AcquireRO() }

// AcquireWI takes exclusive host write access discarding prior
// contents. Reports whether an authoritative device copy was
// invalidated.
func (b *Buffer[T]) AcquireWI() bool { return b.b.AcquireWI() }

// AcquireRW takes exclusive host read-write access, synchronizing the
// host copy first. Reports whether an authoritative device copy was
// invalidated.
func (b *Buffer[T]) AcquireRW() bool { return b.b.AcquireRW() }

// Release drops one level of host acquisition and returns the remaining
// depth.
func (b *Buffer[T]) Release() int { return b.b.Release() }

// HostSlice returns the typed host view. Valid only while
// host-acquired.
func (b *Buffer[T]) HostSlice() []T { return typedView[T](b.b.HostBytes(), b.b.Len()) }

// SavedHostSlice returns the host view captured by the most recent
// acquire, without touching coherence state. Nil before the first
// acquire.
func (b *Buffer[T]) SavedHostSlice() []T { return typedView[T](b.b.SavedHostBytes(), b.b.Len()) }

// At returns element i of the host view, bounds-checked.
func (b *Buffer[T]) At(i int) T {
	s := b.HostSlice()
	if i < 0 || i >= len(s) {
		panic(fmt.Sprintf("hetero: buffer index %d out of range [0, %d)", i, len(s)))
	}
	return s[i]
}

// Set stores element i of the host view, bounds-checked.
func (b *Buffer[T]) Set(i int, v T) {
	s := b.HostSlice()
	if i < 0 || i >= len(s) {
		panic(fmt.Sprintf("hetero: buffer index %d out of range [0, %d)", i, len(s)))
	}
	s[i] = v
}

// Each visits every element of the host view in order.
func (b *Buffer[T]) Each(fn func(i int, v T)) {
	for i, v := range b.HostSlice() {
		fn(i, v)
	}
}

// TreatAsTexture records a texture reinterpretation used when the GPU
// arena is next created. It does not interact with coherence until a
// task acquires the buffer through this view.
func (b *Buffer[T]) TreatAsTexture(desc TextureDesc) { b.b.SetTextureView(desc) }

// Destroy releases all arenas. The buffer must be idle.
func (b *Buffer[T]) Destroy() { b.b.Destroy() }

func typedView[T any](bytes []byte, n int) []T {
	if bytes == nil {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&bytes[0])), n)
}
