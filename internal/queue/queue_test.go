package queue

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundedFIFO(t *testing.T) {
	q := NewBounded[int](8)
	for i := 0; i < 8; i++ {
		require.NoError(t, q.TryPut(i))
	}
	assert.Equal(t, ErrFull, q.TryPut(99))
	for i := 0; i < 8; i++ {
		v, err := q.TryGet()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, err := q.TryGet()
	assert.Equal(t, ErrEmpty, err)
}

func TestBoundedWrap(t *testing.T) {
	q := NewBounded[int](4)
	for round := 0; round < 100; round++ {
		for i := 0; i < 3; i++ {
			require.NoError(t, q.TryPut(round*10+i))
		}
		for i := 0; i < 3; i++ {
			v, err := q.TryGet()
			require.NoError(t, err)
			assert.Equal(t, round*10+i, v)
		}
	}
}

func TestBoundedClose(t *testing.T) {
	q := NewBounded[int](4)
	require.NoError(t, q.TryPut(1))
	q.Close()
	assert.Equal(t, ErrClosed, q.TryPut(2))
	v, err := q.TryGet()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	_, err = q.TryGet()
	assert.Equal(t, ErrClosed, err)
}

func TestBoundedConcurrent(t *testing.T) {
	const (
		producers = 4
		consumers = 4
		perProd   = 5000
	)
	q := NewBounded[int](256)
	var sum atomic.Int64
	var got atomic.Int64

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				v := p*perProd + i
				if err := q.Put(v); err != nil {
					t.Errorf("put: %v", err)
					return
				}
			}
		}(p)
	}
	var cwg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				v, err := q.Get()
				if err == ErrClosed {
					return
				}
				if err != nil {
					t.Errorf("get: %v", err)
					return
				}
				sum.Add(int64(v))
				got.Add(1)
			}
		}()
	}
	wg.Wait()
	q.Close()
	cwg.Wait()

	want := int64(0)
	for p := 0; p < producers; p++ {
		for i := 0; i < perProd; i++ {
			want += int64(p*perProd + i)
		}
	}
	assert.Equal(t, int64(producers*perProd), got.Load())
	assert.Equal(t, want, sum.Load())
}

func TestUnboundedGrowth(t *testing.T) {
	q := NewUnbounded[int]()
	const n = nodeCap*3 + 17
	for i := 0; i < n; i++ {
		require.NoError(t, q.Put(i))
	}
	for i := 0; i < n; i++ {
		v, err := q.TryGet()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, err := q.TryGet()
	assert.Equal(t, ErrEmpty, err)
}

func TestUnboundedConcurrent(t *testing.T) {
	q := NewUnbounded[int]()
	const (
		producers = 4
		perProd   = 4000
	)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				_ = q.Put(p*perProd + i)
			}
		}(p)
	}
	wg.Wait()
	q.Close()

	seen := make(map[int]bool, producers*perProd)
	for {
		v, err := q.TryGet()
		if err != nil {
			break
		}
		assert.False(t, seen[v], "duplicate %d", v)
		seen[v] = true
	}
	assert.Len(t, seen, producers*perProd)
}

func TestRingOverwrite(t *testing.T) {
	r := NewRing[string](4)
	a, b := "a", "b"
	r.Put(0, &a)
	r.Put(4, &b) // same slot, overwrite semantics
	assert.Equal(t, &b, r.Get(4))
	assert.Nil(t, r.Take(1))
}

func BenchmarkBoundedPutGet(b *testing.B) {
	q := NewBounded[int](1024)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := q.TryPut(1); err == nil {
				_, _ = q.TryGet()
			} else {
				_, _ = q.TryGet()
			}
		}
	})
}
