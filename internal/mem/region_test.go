package mem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicrt/mosaic/internal/device"
)

func TestRegionCreateWriteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.bin")

	rg, err := CreateRegion(path, 64)
	require.NoError(t, err)
	assert.True(t, rg.Writable())
	assert.Equal(t, 64, rg.Size())

	copy(rg.Bytes(), []byte("mosaic"))
	require.NoError(t, rg.Flush())
	require.NoError(t, rg.Close())

	ro, err := OpenRegion(path)
	require.NoError(t, err)
	defer ro.Close()
	assert.False(t, ro.Writable())
	assert.Panics(t, func() { ro.Bytes() })

	got := make([]byte, 6)
	_, err = ro.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, "mosaic", string(got))
}

func TestRegionOpenMissing(t *testing.T) {
	_, err := OpenRegion(filepath.Join(t.TempDir(), "nope.bin"))
	assert.Error(t, err)
}

func TestWrapRegionWritableAliases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alias.bin")
	rg, err := CreateRegion(path, 16)
	require.NoError(t, err)
	defer rg.Close()

	b := WrapRegion(rg, 4, 0)
	assert.Equal(t, 4, b.Len(), "element count derived from region size")

	b.AcquireRW()
	copy(b.HostBytes(), []byte{1, 2, 3, 4})
	b.Release()
	require.NoError(t, rg.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data[:4], "writes land in the file")
}

func TestWrapRegionReadOnlyCopiesIn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.bin")
	require.NoError(t, os.WriteFile(path, []byte{9, 8, 7, 6, 5, 4, 3, 2}, 0o644))

	rg, err := OpenRegion(path)
	require.NoError(t, err)
	defer rg.Close()

	b := WrapRegion(rg, 1, 8)
	b.AcquireRO()
	assert.Equal(t, []byte{9, 8, 7, 6, 5, 4, 3, 2}, b.HostBytes())
	b.Release()

	// The arena is private: writes stay off the file.
	b.AcquireRW()
	b.HostBytes()[0] = 0
	b.Release()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, 9, data[0])
}

func TestWrapRegionTooSmallPanics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.bin")
	rg, err := CreateRegion(path, 8)
	require.NoError(t, err)
	defer rg.Close()
	assert.Panics(t, func() { WrapRegion(rg, 4, 4) })
}

func TestWrapRegionDeviceSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.bin")
	rg, err := CreateRegion(path, 4)
	require.NoError(t, err)
	defer rg.Close()
	copy(rg.Bytes(), []byte{1, 2, 3, 4})

	b := WrapRegion(rg, 1, 4)
	set := NewAcquireSet()
	set.Add(b, device.GPU, ModeRO)
	set.Acquire()
	assert.Equal(t, []byte{1, 2, 3, 4}, b.Arena(device.GPU).Bytes())
	set.Release()
}
