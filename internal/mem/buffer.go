// Package mem implements buffer coherence: logical typed arrays with
// per-device physical arenas, an authoritative-device set tracking who
// holds the latest bytes, a host acquire state machine with
// per-goroutine recursive scopes, and atomically committed per-task
// acquire sets.
package mem

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/mosaicrt/mosaic/internal/device"
)

// Mode is an access mode for host or device acquisition.
type Mode int

const (
	// ModeRO shares the authoritative copy for reading.
	ModeRO Mode = iota
	// ModeRW takes exclusive read-write access after syncing in.
	ModeRW
	// ModeWI takes exclusive write access discarding prior contents.
	ModeWI
)

func (m Mode) String() string {
	switch m {
	case ModeRO:
		return "ro"
	case ModeRW:
		return "rw"
	case ModeWI:
		return "wi"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

type bufState int

const (
	stIdle bufState = iota
	stHost
	stDevice
)

var nextBufferID atomic.Uint64

// Buffer is a logical array of n elements of elemSize bytes. The zero
// value is not usable; construct through NewBuffer / WrapBytes /
// WrapRegion.
//
// Coherence invariants: at most one writer (host or device) at any
// moment; concurrent readers share the authoritative copy; a
// write-invalidate acquisition discards every non-acquiring arena's
// authoritative status.
type Buffer struct {
	id       uint64
	elemSize int
	n        int

	mu   sync.Mutex
	cond *sync.Cond

	arenas [device.KindCount]*Arena
	auth   uint8 // authoritative-device bitmask, bit = device.Kind

	st       bufState
	hostKind Mode
	depth    int

	// per-goroutine nesting counts; write scopes are exclusive to the
	// goroutine that opened them, recursion deepens
	hostOwners map[uint64]int

	devMode  Mode
	devCount int

	likely []device.Kind

	region  *Region
	userMem []byte
	tex     *TextureDesc

	savedHost []byte
}

// NewBuffer allocates a logical buffer. Zero elements is a fatal API
// error (matching the external contract for buffer creation).
func NewBuffer(elemSize, n int, likely ...device.Kind) *Buffer {
	if n <= 0 || elemSize <= 0 {
		panic(fmt.Sprintf("mem: invalid buffer geometry %d x %d", n, elemSize))
	}
	b := &Buffer{
		id:       nextBufferID.Add(1),
		elemSize: elemSize,
		n:        n,
		likely:   likely,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// WrapBytes builds a buffer over caller-owned host memory. The host is
// authoritative from the start.
func WrapBytes(data []byte, elemSize, n int, likely ...device.Kind) *Buffer {
	if n <= 0 || elemSize <= 0 || len(data) < n*elemSize {
		panic(fmt.Sprintf("mem: wrapped storage too small: %d bytes for %d x %d", len(data), n, elemSize))
	}
	b := NewBuffer(elemSize, n, likely...)
	b.userMem = data
	b.auth = authBit(device.CPU)
	return b
}

// WrapRegion builds a buffer over a file region. n == 0 derives the
// element count from the region size. Writable regions alias the
// mapping; read-only regions copy in on first host acquire.
func WrapRegion(rg *Region, elemSize, n int, likely ...device.Kind) *Buffer {
	if n == 0 {
		n = rg.Size() / elemSize
	}
	if n <= 0 || elemSize <= 0 {
		panic(fmt.Sprintf("mem: invalid buffer geometry %d x %d", n, elemSize))
	}
	if n*elemSize > rg.Size() {
		panic(fmt.Sprintf("mem: region too small: %d bytes for %d x %d", rg.Size(), n, elemSize))
	}
	b := NewBuffer(elemSize, n, likely...)
	b.region = rg
	b.auth = authBit(device.CPU)
	return b
}

func authBit(k device.Kind) uint8 { return 1 << uint(k) }

// ID is the buffer's monotonically assigned id; acquire sets commit in
// id order.
func (b *Buffer) ID() uint64 { return b.id }

// Len is the element count.
func (b *Buffer) Len() int { return b.n }

// ElemSize is the element width in bytes.
func (b *Buffer) ElemSize() int { return b.elemSize }

// ByteLen is the total payload size.
func (b *Buffer) ByteLen() int { return b.n * b.elemSize }

// LikelyDevices returns the placement hint given at creation.
func (b *Buffer) LikelyDevices() []device.Kind { return b.likely }

// SetTextureView records a texture reinterpretation. It takes effect
// when the GPU arena is next created; existing arenas are unaffected.
func (b *Buffer) SetTextureView(desc TextureDesc) {
	b.mu.Lock()
	b.tex = &desc
	b.mu.Unlock()
}

// AcquireRO takes or deepens shared host read access, blocking while a
// device or another goroutine's host write scope holds the buffer. The
// host copy is synchronized in if some device is authoritative and the
// host is not.
func (b *Buffer) AcquireRO() {
	me := gid()
	b.mu.Lock()
	defer b.mu.Unlock()
	for !b.hostAdmissibleLocked(ModeRO, me) {
		b.cond.Wait()
	}
	if b.st == stIdle {
		b.st = stHost
		b.hostKind = ModeRO
	}
	b.depth++
	b.ownHost(me)
	b.syncHostLocked()
	b.auth |= authBit(device.CPU)
	b.savedHost = b.arenas[device.CPU].Bytes()
}

// AcquireWI takes or deepens exclusive host write access, discarding
// prior contents: no copy-in happens and every non-host arena loses its
// authoritative status. Deepening a read-only host scope is a fatal API
// error. Returns true when the call invalidated an authoritative device
// copy.
func (b *Buffer) AcquireWI() bool {
	return b.acquireHostWrite(ModeWI)
}

// AcquireRW takes or deepens exclusive host read-write access,
// synchronizing the host copy in first. Deepening a read-only host
// scope is a fatal API error. Returns true when the call invalidated an
// authoritative device copy.
func (b *Buffer) AcquireRW() bool {
	return b.acquireHostWrite(ModeRW)
}

func (b *Buffer) acquireHostWrite(mode Mode) bool {
	me := gid()
	b.mu.Lock()
	defer b.mu.Unlock()
	for !b.hostAdmissibleLocked(mode, me) {
		b.cond.Wait()
	}
	if b.st == stIdle {
		b.st = stHost
		b.hostKind = mode
	}
	b.depth++
	b.ownHost(me)
	if mode == ModeRW {
		b.syncHostLocked()
	} else {
		b.ensureArenaLocked(device.CPU)
	}
	invalidated := b.auth&^authBit(device.CPU) != 0
	b.auth = authBit(device.CPU)
	b.savedHost = b.arenas[device.CPU].Bytes()
	return invalidated
}

// Release drops one level of host acquisition and returns the remaining
// depth. At zero the buffer returns to idle and blocked acquirers are
// woken. Releasing from a goroutine that holds no acquire is a fatal
// API error.
func (b *Buffer) Release() int {
	me := gid()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st != stHost || b.hostOwners[me] == 0 {
		panic("mem: release without host acquire")
	}
	b.depth--
	if b.hostOwners[me]--; b.hostOwners[me] == 0 {
		delete(b.hostOwners, me)
	}
	if b.depth == 0 {
		b.st = stIdle
		b.cond.Broadcast()
	}
	return b.depth
}

// hostAdmissibleLocked reports whether the calling goroutine may enter
// or deepen a host scope in mode. Readers share; a write scope admits
// only the goroutine that opened it. Requesting write access inside
// one's own read-only scope can never be granted and panics.
func (b *Buffer) hostAdmissibleLocked(mode Mode, me uint64) bool {
	switch b.st {
	case stIdle:
		return true
	case stHost:
		if b.hostKind != ModeRO {
			return b.hostOwners[me] > 0
		}
		if mode == ModeRO {
			return true
		}
		if b.hostOwners[me] > 0 {
			panic(fmt.Sprintf("mem: acquire_%s inside a read-only host scope", mode))
		}
		return false
	default:
		return false
	}
}

func (b *Buffer) ownHost(me uint64) {
	if b.hostOwners == nil {
		b.hostOwners = make(map[uint64]int)
	}
	b.hostOwners[me]++
}

// HostBytes returns the host arena's backing slice. Valid only while
// host-acquired; it may be stale or nil otherwise.
func (b *Buffer) HostBytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a := b.arenas[device.CPU]; a != nil {
		return a.Bytes()
	}
	return nil
}

// SavedHostBytes returns the host slice captured by the most recent
// host acquire, without touching coherence state. Nil before the first
// acquire.
func (b *Buffer) SavedHostBytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.savedHost
}

// Arena returns the backing for kind, allocating it if needed. Intended
// for dispatchers that privatize or seed device-local staging.
func (b *Buffer) Arena(k device.Kind) *Arena {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureArenaLocked(k)
	return b.arenas[k]
}

// Authoritative reports whether kind currently holds the latest data.
func (b *Buffer) Authoritative(k device.Kind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.auth&authBit(k) != 0
}

// Destroy releases every arena. The buffer must be idle.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st != stIdle {
		panic("mem: destroy of an acquired buffer")
	}
	for i, a := range b.arenas {
		if a != nil {
			a.free() // wrapped arenas carry no mapping; free only nils the alias
		}
		b.arenas[i] = nil
	}
	b.savedHost = nil
	b.auth = 0
}

// ensureArenaLocked lazily materializes the arena for kind.
func (b *Buffer) ensureArenaLocked(k device.Kind) {
	if b.arenas[k] != nil {
		return
	}
	size := b.ByteLen()
	if k == device.CPU {
		switch {
		case b.userMem != nil:
			b.arenas[k] = wrapArena(k, b.userMem[:size])
		case b.region != nil && b.region.Writable():
			b.arenas[k] = wrapArena(k, b.region.Bytes()[:size])
		case b.region != nil:
			a := newArena(k, size, nil)
			if _, err := b.region.ReadAt(a.Bytes(), 0); err != nil {
				panic(fmt.Sprintf("mem: region copy-in failed: %v", err))
			}
			b.arenas[k] = a
		default:
			b.arenas[k] = newArena(k, size, nil)
		}
		return
	}
	var tex *TextureDesc
	if k == device.GPU {
		tex = b.tex
	}
	b.arenas[k] = newArena(k, size, tex)
}

// syncHostLocked makes the host arena hold the latest bytes, copying
// from an authoritative device arena when the host is stale.
func (b *Buffer) syncHostLocked() {
	b.ensureArenaLocked(device.CPU)
	b.syncArenaLocked(device.CPU)
}

// syncArenaLocked copies the authoritative contents into kind's arena
// if kind is not already authoritative. Fresh buffers with no
// authoritative copy anywhere start from the arena's zero contents.
func (b *Buffer) syncArenaLocked(k device.Kind) {
	if b.auth == 0 || b.auth&authBit(k) != 0 {
		return
	}
	for src := device.Kind(0); src < device.KindCount; src++ {
		if b.auth&authBit(src) == 0 {
			continue
		}
		// Wrapped host storage can be authoritative before its arena
		// was ever touched; materialize it so the copy has a source.
		b.ensureArenaLocked(src)
		copy(b.arenas[k].Bytes(), b.arenas[src].Bytes())
		return
	}
}

// deviceAdmissibleLocked reports whether a device acquire in mode can
// be granted right now.
func (b *Buffer) deviceAdmissibleLocked(mode Mode) bool {
	switch b.st {
	case stIdle:
		return true
	case stDevice:
		return b.devMode == ModeRO && mode == ModeRO
	default:
		return false
	}
}

// commitDeviceLocked grants a device acquire previously checked with
// deviceAdmissibleLocked: materializes the arena, synchronizes it, and
// updates the authoritative set (ro adds the device, rw/wi makes it the
// sole holder).
func (b *Buffer) commitDeviceLocked(k device.Kind, mode Mode) {
	if b.st == stIdle {
		b.st = stDevice
		b.devMode = mode
		b.devCount = 1
	} else {
		b.devCount++
	}
	b.ensureArenaLocked(k)
	if mode != ModeWI {
		b.syncArenaLocked(k)
	}
	if mode == ModeRO {
		b.auth |= authBit(k)
	} else {
		b.auth = authBit(k)
	}
}

// gid parses the current goroutine's id out of the runtime.Stack
// header ("goroutine N [...]"). Host scopes are recursive per
// goroutine and the runtime exposes no cheaper identity.
func gid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for _, c := range buf[len("goroutine "):n] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}

// releaseDeviceLocked drops one device acquirer.
func (b *Buffer) releaseDeviceLocked() {
	if b.st != stDevice || b.devCount == 0 {
		panic("mem: device release without acquire")
	}
	b.devCount--
	if b.devCount == 0 {
		b.st = stIdle
		b.cond.Broadcast()
	}
}
