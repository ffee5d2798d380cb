package sched

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerDefaults(t *testing.T) {
	s := New(Config{})
	defer s.Shutdown()
	assert.Greater(t, s.Workers(), 0)
}

func TestSchedulerStress(t *testing.T) {
	s := newTestScheduler(t, 8)
	g := s.NewGroup("stress")

	var sum atomic.Int64
	const n = 2000
	for i := 0; i < n; i++ {
		i := i
		tk := s.NewTask(0, func(*ExecCtx) (any, error) {
			sum.Add(int64(i))
			return nil, nil
		})
		tk.Launch(g)
	}
	require.NoError(t, g.Wait(nil))
	assert.EqualValues(t, n*(n-1)/2, sum.Load())
	assert.GreaterOrEqual(t, s.Stats().TasksExecuted, uint64(n))
}

func TestSchedulerOverflowSpill(t *testing.T) {
	// A tiny submission queue with the only worker pinned forces launches
	// through the unbounded overflow path; nothing may be lost.
	s := New(Config{Workers: 1, QueueCapacity: 2})
	defer s.Shutdown()

	started := make(chan struct{})
	gate := make(chan struct{})
	pin := s.NewTask(0, func(*ExecCtx) (any, error) {
		close(started)
		<-gate
		return nil, nil
	})
	pin.Launch(nil)
	<-started

	g := s.NewGroup("burst")
	var n atomic.Int64
	for i := 0; i < 64; i++ {
		tk := s.NewTask(0, func(*ExecCtx) (any, error) { n.Add(1); return nil, nil })
		tk.Launch(g)
	}
	close(gate)
	require.NoError(t, g.Wait(nil))
	assert.EqualValues(t, 64, n.Load())
	assert.Greater(t, s.Stats().OverflowPushes, uint64(0))
}

func TestSchedulerBlockingCompensates(t *testing.T) {
	// With one resident worker, a body inside Blocking must not starve
	// other ready tasks: a compensation worker keeps the pool width.
	s := New(Config{Workers: 1})
	defer s.Shutdown()

	inBlocking := make(chan struct{})
	release := make(chan struct{})
	blocker := s.NewTask(0, func(ec *ExecCtx) (any, error) {
		ec.Blocking(func() {
			close(inBlocking)
			<-release
		})
		return nil, nil
	})
	blocker.Launch(nil)
	<-inBlocking

	other := s.NewTask(0, func(*ExecCtx) (any, error) { return "ran", nil })
	other.Launch(nil)
	require.NoError(t, other.Wait(nil))
	assert.Equal(t, "ran", other.Result())

	close(release)
	require.NoError(t, blocker.Wait(nil))
	assert.Greater(t, s.Stats().Compensations, uint64(0))
}

func TestSchedulerDependentWaitSingleWorker(t *testing.T) {
	// A body waiting on another task must not deadlock a single-worker
	// pool: the wait either finds the result already published or runs
	// ready work itself.
	s := New(Config{Workers: 1})
	defer s.Shutdown()

	gate := make(chan struct{})
	slow := s.NewTask(0, func(*ExecCtx) (any, error) { <-gate; return 1, nil })
	parent := s.NewTask(0, func(ec *ExecCtx) (any, error) {
		if err := slow.Wait(ec); err != nil {
			return nil, err
		}
		return slow.Result().(int) + 1, nil
	})
	slow.Launch(nil)
	parent.Launch(nil)

	close(gate)
	require.NoError(t, parent.Wait(nil))
	assert.Equal(t, 2, parent.Result())
}

func TestSchedulerShutdownDrains(t *testing.T) {
	s := New(Config{Workers: 2})
	g := s.NewGroup("drain")

	var n atomic.Int64
	for i := 0; i < 100; i++ {
		tk := s.NewTask(0, func(*ExecCtx) (any, error) { n.Add(1); return nil, nil })
		tk.Launch(g)
	}
	require.NoError(t, g.Wait(nil))
	s.Shutdown()
	s.Shutdown() // idempotent
	assert.EqualValues(t, 100, n.Load())

	late := s.NewTask(0, func(*ExecCtx) (any, error) { return nil, nil })
	assert.Panics(t, func() { late.Launch(nil) }, "launch after shutdown")
}

func TestSchedulerStatsCountCancellations(t *testing.T) {
	s := newTestScheduler(t, 2)

	tk := s.NewTask(0, func(*ExecCtx) (any, error) { return nil, nil })
	tk.Cancel()
	tk.Launch(nil)
	_ = tk.Wait(nil)

	g := s.NewGroup("canceled")
	g.Cancel()
	tk2 := s.NewTask(0, func(*ExecCtx) (any, error) { return nil, nil })
	tk2.Launch(g)
	_ = tk2.Wait(nil)

	assert.Greater(t, s.Stats().TasksCanceled, uint64(0))
}
