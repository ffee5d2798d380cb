package mem

import (
	"fmt"
	"os"

	mmapgo "github.com/edsrzf/mmap-go"
	xmmap "golang.org/x/exp/mmap"
)

// Region is a file-backed memory region a buffer can wrap. Writable
// regions map the file read-write and the buffer's host arena aliases
// the mapping directly, so releases persist to the file. Read-only
// regions keep only a ReaderAt; the host arena is private and filled by
// copy-in on the first host acquire.
type Region struct {
	path string
	size int

	f  *os.File
	wm mmapgo.MMap

	rd *xmmap.ReaderAt
}

// OpenRegion maps path read-only.
func OpenRegion(path string) (*Region, error) {
	rd, err := xmmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mem: open region %s: %w", path, err)
	}
	return &Region{path: path, size: rd.Len(), rd: rd}, nil
}

// CreateRegion creates (or truncates) path at the given size and maps
// it read-write.
func CreateRegion(path string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mem: create region %s: invalid size %d", path, size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mem: create region %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("mem: create region %s: %w", path, err)
	}
	return mapRW(f, path, size)
}

// OpenRegionRW maps an existing file read-write at its current size.
func OpenRegionRW(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("mem: open region %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mem: open region %s: %w", path, err)
	}
	return mapRW(f, path, int(st.Size()))
}

func mapRW(f *os.File, path string, size int) (*Region, error) {
	m, err := mmapgo.Map(f, mmapgo.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mem: map region %s: %w", path, err)
	}
	return &Region{path: path, size: size, f: f, wm: m}, nil
}

// Path returns the backing file path.
func (r *Region) Path() string { return r.path }

// Size returns the region length in bytes.
func (r *Region) Size() int { return r.size }

// Writable reports whether the region was mapped read-write.
func (r *Region) Writable() bool { return r.wm != nil }

// Bytes returns the writable mapping. Calling it on a read-only region
// is a programming error.
func (r *Region) Bytes() []byte {
	if r.wm == nil {
		panic("mem: Bytes on read-only region")
	}
	return r.wm
}

// ReadAt serves random reads on either mapping flavor.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	if r.rd != nil {
		return r.rd.ReadAt(p, off)
	}
	if off < 0 || off > int64(len(r.wm)) {
		return 0, fmt.Errorf("mem: region read at %d out of range", off)
	}
	n := copy(p, r.wm[off:])
	return n, nil
}

// Flush forces writable contents to the file.
func (r *Region) Flush() error {
	if r.wm == nil {
		return nil
	}
	return r.wm.Flush()
}

// Close unmaps and releases the file handle.
func (r *Region) Close() error {
	var first error
	if r.wm != nil {
		if err := r.wm.Unmap(); err != nil {
			first = err
		}
		r.wm = nil
	}
	if r.f != nil {
		if err := r.f.Close(); err != nil && first == nil {
			first = err
		}
		r.f = nil
	}
	if r.rd != nil {
		if err := r.rd.Close(); err != nil && first == nil {
			first = err
		}
		r.rd = nil
	}
	return first
}
