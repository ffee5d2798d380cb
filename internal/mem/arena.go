package mem

import (
	mmapgo "github.com/edsrzf/mmap-go"

	"github.com/mosaicrt/mosaic/internal/device"
)

// mmapThreshold is the arena size above which backing comes from an
// anonymous mapping instead of the Go heap. Large buffers dominate the
// working set of compute workloads; keeping them off-heap spares the GC
// from scanning pointer-free bulk data.
const mmapThreshold = 1 << 20

// TexFormat enumerates the texture formats a GPU arena can expose.
type TexFormat int

const (
	TexNone TexFormat = iota
	TexR32F
	TexRGBA8888
)

// TextureDesc records a texture reinterpretation of a buffer. It is a
// per-handle view attribute: it only takes effect when the GPU arena is
// created through a handle carrying it.
type TextureDesc struct {
	Format TexFormat
	Width  int
	Height int
}

// Arena is the physical backing of a buffer on one device. In the
// simulated device model every arena is host memory; what matters for
// coherence is which arena is authoritative, not where the bytes live.
type Arena struct {
	kind device.Kind
	data []byte
	m    mmapgo.MMap
	tex  *TextureDesc
}

func newArena(kind device.Kind, size int, tex *TextureDesc) *Arena {
	a := &Arena{kind: kind, tex: tex}
	if size >= mmapThreshold {
		if m, err := mmapgo.MapRegion(nil, size, mmapgo.RDWR, mmapgo.ANON, 0); err == nil {
			a.m = m
			a.data = m
			return a
		}
		// Mapping failure is not fatal; fall through to the heap.
	}
	a.data = make([]byte, size)
	return a
}

// wrapArena builds an arena over caller-owned memory (wrapped buffers,
// writable regions). free leaves it alone.
func wrapArena(kind device.Kind, data []byte) *Arena {
	return &Arena{kind: kind, data: data}
}

// Bytes is the raw backing slice.
func (a *Arena) Bytes() []byte { return a.data }

// Kind reports the owning device class.
func (a *Arena) Kind() device.Kind { return a.kind }

// Texture returns the texture view the arena was created with, if any.
func (a *Arena) Texture() *TextureDesc { return a.tex }

// Mapped reports whether the arena is backed by an anonymous mapping.
func (a *Arena) Mapped() bool { return a.m != nil }

func (a *Arena) free() {
	if a.m != nil {
		_ = a.m.Unmap()
		a.m = nil
	}
	a.data = nil
}
