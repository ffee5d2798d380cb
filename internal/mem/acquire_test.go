package mem

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicrt/mosaic/internal/device"
)

func TestAcquireSetMergesDuplicates(t *testing.T) {
	b := NewBuffer(1, 4)
	set := NewAcquireSet()
	set.Add(b, device.GPU, ModeRO)
	set.Add(b, device.GPU, ModeWI)
	set.Add(b, device.GPU, ModeRO)
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, ModeWI, set.entries[0].mode, "strongest mode wins")
}

func TestAcquireSetCrossingSetsNeverDeadlock(t *testing.T) {
	// Two tasks wanting {a, b} and {b, a}: all-or-wait commit in id
	// order must let both finish.
	a := NewBuffer(1, 4)
	b := NewBuffer(1, 4)

	var wg sync.WaitGroup
	worker := func(first, second *Buffer) {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			set := NewAcquireSet()
			set.Add(first, device.GPU, ModeRW)
			set.Add(second, device.DSP, ModeRW)
			set.Acquire()
			set.Release()
		}
	}
	wg.Add(2)
	go worker(a, b)
	go worker(b, a)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("acquire sets deadlocked")
	}
}

func TestAcquireSetBlocksOnHostHolder(t *testing.T) {
	b := NewBuffer(1, 4)
	b.AcquireRW()

	granted := make(chan struct{})
	go func() {
		set := NewAcquireSet()
		set.Add(b, device.GPU, ModeRO)
		set.Acquire()
		close(granted)
		set.Release()
	}()

	select {
	case <-granted:
		t.Fatal("device acquire granted while host holds rw")
	case <-time.After(50 * time.Millisecond):
	}

	b.Release()
	select {
	case <-granted:
	case <-time.After(5 * time.Second):
		t.Fatal("device acquire not granted after host release")
	}
}

func TestAcquireSetSharedReaders(t *testing.T) {
	b := NewBuffer(1, 4)

	s1 := NewAcquireSet()
	s1.Add(b, device.GPU, ModeRO)
	s1.Acquire()

	// A second read set joins without waiting.
	s2 := NewAcquireSet()
	s2.Add(b, device.DSP, ModeRO)
	s2.Acquire()

	assert.True(t, b.Authoritative(device.GPU))
	assert.True(t, b.Authoritative(device.DSP))
	s1.Release()
	s2.Release()
}

func TestAcquireSetNonLocking(t *testing.T) {
	parent := NewAcquireSet()
	b := NewBuffer(4, 8)
	parent.Add(b, device.CPU, ModeRW)
	parent.Acquire()
	copy(b.arenas[device.CPU].Bytes(), []byte{1, 2, 3, 4})

	// The child set rides on the parent's grant: it must not block even
	// though the buffer is device-acquired, and release must not double
	// count.
	child := NewAcquireSet()
	child.Add(b, device.GPU, ModeRO)
	child.SetNonLocking()
	child.Acquire()
	require.NotNil(t, b.arenas[device.GPU], "non-locking still materializes arenas")
	assert.Equal(t, byte(3), b.arenas[device.GPU].Bytes()[2],
		"read entries seed from the authoritative copy")
	child.Release()

	parent.Release()
}

func TestAcquireSetPreAcquiredSkipsAllocation(t *testing.T) {
	b := NewBuffer(4, 8)
	set := NewAcquireSet()
	set.Add(b, device.GPU, ModeRO)
	set.MarkPreAcquired(b)
	set.SetNonLocking()
	set.Acquire()
	assert.Nil(t, b.arenas[device.GPU], "pre-acquired entries skip allocation")
	set.Release()
}

func TestAcquireSetDoubleAcquirePanics(t *testing.T) {
	b := NewBuffer(1, 4)
	set := NewAcquireSet()
	set.Add(b, device.GPU, ModeRO)
	set.Acquire()
	assert.Panics(t, func() { set.Acquire() })
	set.Release()
	set.Release() // releasing an unacquired set is a no-op

	require.NotPanics(t, func() { set.Acquire() })
	set.Release()
}
