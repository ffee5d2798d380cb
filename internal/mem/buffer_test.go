package mem

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicrt/mosaic/internal/device"
)

func TestBufferGeometry(t *testing.T) {
	b := NewBuffer(4, 16)
	assert.Equal(t, 16, b.Len())
	assert.Equal(t, 4, b.ElemSize())
	assert.Equal(t, 64, b.ByteLen())
	assert.Panics(t, func() { NewBuffer(4, 0) })
	assert.Panics(t, func() { NewBuffer(0, 4) })
}

func TestBufferHostAcquireDepth(t *testing.T) {
	b := NewBuffer(1, 8)

	b.AcquireRO()
	b.AcquireRO()
	assert.Equal(t, 1, b.Release())
	assert.Equal(t, 0, b.Release())
	assert.Panics(t, func() { b.Release() })
}

func TestBufferWriteInsideReadScopePanics(t *testing.T) {
	b := NewBuffer(1, 8)
	b.AcquireRO()
	assert.Panics(t, func() { b.AcquireRW() })
	assert.Panics(t, func() { b.AcquireWI() })
	b.Release()
}

func TestBufferWriteScopeAllowsRecursion(t *testing.T) {
	b := NewBuffer(1, 8)
	require.False(t, b.AcquireWI(), "nothing to invalidate on a fresh buffer")
	assert.False(t, b.AcquireRW())
	b.Release()
	assert.Equal(t, 0, b.Release())
}

func TestBufferHostWritersExclude(t *testing.T) {
	b := NewBuffer(1, 8)
	b.AcquireRW()

	granted := make(chan struct{})
	go func() {
		b.AcquireRW()
		close(granted)
		b.Release()
	}()

	select {
	case <-granted:
		t.Fatal("second writer granted while the first still holds the buffer")
	case <-time.After(50 * time.Millisecond):
	}

	b.Release()
	select {
	case <-granted:
	case <-time.After(5 * time.Second):
		t.Fatal("second writer never granted after release")
	}
}

func TestBufferForeignReleasePanics(t *testing.T) {
	b := NewBuffer(1, 8)
	b.AcquireRO()

	done := make(chan bool, 1)
	go func() {
		defer func() { done <- recover() != nil }()
		b.Release()
	}()
	assert.True(t, <-done, "release from a goroutine holding no acquire")
	b.Release()
}

func TestBufferFirstAcquireAllocatesHostArena(t *testing.T) {
	b := NewBuffer(4, 8)
	assert.Nil(t, b.SavedHostBytes())
	b.AcquireRO()
	host := b.HostBytes()
	require.Len(t, host, 32)
	b.Release()
	assert.Equal(t, &host[0], &b.SavedHostBytes()[0], "saved pointer survives release")
}

func TestBufferWrapBytesIsAuthoritative(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	b := WrapBytes(data, 1, 4)
	assert.True(t, b.Authoritative(device.CPU))

	b.AcquireRO()
	assert.Equal(t, data, b.HostBytes())
	b.Release()

	assert.Panics(t, func() { WrapBytes(data, 4, 4) })
}

func TestBufferDeviceSyncAndInvalidate(t *testing.T) {
	b := WrapBytes([]byte{1, 2, 3, 4}, 1, 4)

	// A device read pulls the host copy in and shares authority.
	set := NewAcquireSet()
	set.Add(b, device.GPU, ModeRO)
	set.Acquire()
	assert.Equal(t, []byte{1, 2, 3, 4}, b.Arena(device.GPU).Bytes())
	assert.True(t, b.Authoritative(device.CPU))
	assert.True(t, b.Authoritative(device.GPU))
	set.Release()

	// A device write makes the device the sole authority …
	wset := NewAcquireSet()
	wset.Add(b, device.GPU, ModeRW)
	wset.Acquire()
	copy(b.Arena(device.GPU).Bytes(), []byte{9, 9, 9, 9})
	assert.False(t, b.Authoritative(device.CPU))
	wset.Release()

	// … and the next host read syncs back.
	b.AcquireRO()
	assert.Equal(t, []byte{9, 9, 9, 9}, b.HostBytes())
	b.Release()
}

func TestBufferHostWIInvalidatesDevice(t *testing.T) {
	b := NewBuffer(1, 4)

	set := NewAcquireSet()
	set.Add(b, device.DSP, ModeRW)
	set.Acquire()
	copy(b.Arena(device.DSP).Bytes(), []byte{7, 7, 7, 7})
	set.Release()

	assert.True(t, b.AcquireWI(), "device copy must be reported invalidated")
	assert.False(t, b.Authoritative(device.DSP))
	copy(b.HostBytes(), []byte{1, 1, 1, 1})
	b.Release()

	b.AcquireRO()
	assert.Equal(t, []byte{1, 1, 1, 1}, b.HostBytes(), "wi discarded the device bytes")
	b.Release()
}

func TestBufferExclusivity(t *testing.T) {
	// Property: at most one rw/wi holder, disjoint from any live reader.
	b := NewBuffer(8, 512)

	var active atomic.Int32
	var writers atomic.Int32
	var wg sync.WaitGroup

	hostWriter := func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			b.AcquireRW()
			w := writers.Add(1)
			a := active.Add(1)
			assert.EqualValues(t, 1, w)
			assert.EqualValues(t, 1, a)
			writers.Add(-1)
			active.Add(-1)
			b.Release()
		}
	}
	deviceWriter := func(k device.Kind) {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			set := NewAcquireSet()
			set.Add(b, k, ModeWI)
			set.Acquire()
			w := writers.Add(1)
			a := active.Add(1)
			assert.EqualValues(t, 1, w)
			assert.EqualValues(t, 1, a)
			writers.Add(-1)
			active.Add(-1)
			set.Release()
		}
	}
	deviceReader := func(k device.Kind) {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			set := NewAcquireSet()
			set.Add(b, k, ModeRO)
			set.Acquire()
			active.Add(1)
			assert.EqualValues(t, 0, writers.Load())
			active.Add(-1)
			set.Release()
		}
	}

	// Host writers on distinct goroutines serialize against each other
	// and against every device acquirer.
	wg.Add(6)
	go hostWriter()
	go hostWriter()
	go deviceWriter(device.GPU)
	go deviceWriter(device.DSP)
	go deviceReader(device.GPU)
	go deviceReader(device.DSP)
	wg.Wait()
}

func TestBufferSerializedDeviceWrites(t *testing.T) {
	// Two exclusive writers on one buffer: the final contents are one
	// writer's full image, never a mix.
	b := NewBuffer(1, 4)
	lo := []byte{0, 1, 2, 3}
	hi := []byte{4, 5, 6, 7}

	var wg sync.WaitGroup
	write := func(img []byte, k device.Kind) {
		defer wg.Done()
		set := NewAcquireSet()
		set.Add(b, k, ModeWI)
		set.Acquire()
		a := b.Arena(k).Bytes()
		for i, v := range img {
			a[i] = v
			time.Sleep(time.Millisecond)
		}
		set.Release()
	}
	wg.Add(2)
	go write(lo, device.GPU)
	go write(hi, device.DSP)
	wg.Wait()

	b.AcquireRO()
	got := append([]byte(nil), b.HostBytes()...)
	b.Release()
	if got[0] == 0 {
		assert.Equal(t, lo, got)
	} else {
		assert.Equal(t, hi, got)
	}
}

func TestBufferDestroy(t *testing.T) {
	b := NewBuffer(1, 4)
	b.AcquireRO()
	assert.Panics(t, func() { b.Destroy() })
	b.Release()
	b.Destroy()
	assert.False(t, b.Authoritative(device.CPU))
}

func TestArenaMmapThreshold(t *testing.T) {
	small := newArena(device.CPU, 4096, nil)
	assert.False(t, small.Mapped())
	small.free()

	big := newArena(device.CPU, mmapThreshold, nil)
	assert.Len(t, big.Bytes(), mmapThreshold)
	big.Bytes()[mmapThreshold-1] = 0xFF
	big.free()
}

func TestBufferTextureView(t *testing.T) {
	b := NewBuffer(4, 64)
	b.SetTextureView(TextureDesc{Format: TexR32F, Width: 8, Height: 8})

	gpu := b.Arena(device.GPU)
	require.NotNil(t, gpu.Texture())
	assert.Equal(t, TexR32F, gpu.Texture().Format)
	assert.Nil(t, b.Arena(device.CPU).Texture(), "view is per-arena, not global")
}
