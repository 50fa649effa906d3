package routines

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMutexExclusion(t *testing.T) {
	var m Mutex
	counter := 0
	var group HandlerGroup
	for range 8 {
		group.Spawn(func() {
			for range 100 {
				m.Lock()
				counter++
				m.Unlock()
			}
		})
	}
	group.Wait()
	require.Equal(t, 800, counter)
}

func TestMutexTryLock(t *testing.T) {
	var m Mutex
	require.True(t, m.TryLock())
	require.False(t, m.TryLock())
	m.Unlock()
	require.True(t, m.TryLock())
	m.Unlock()
}

func TestMutexHandoffOrder(t *testing.T) {
	var m Mutex
	m.Lock()
	var order []int
	started := make(chan struct{}, 2)
	var group HandlerGroup
	for i := range 2 {
		group.Spawn(func() {
			started <- struct{}{}
			m.Lock()
			order = append(order, i)
			m.Unlock()
		})
		<-started
		// Give the spawned routine time to park before the next one.
		time.Sleep(20 * time.Millisecond)
	}
	m.Unlock()
	group.Wait()
	require.Equal(t, []int{0, 1}, order)
}

func TestRecursiveMutexDepth(t *testing.T) {
	var m RecursiveMutex
	var sawLock atomic.Bool
	var progressed atomic.Bool
	var earlyProgress atomic.Bool
	holder := Spawn(func() {
		m.Lock()
		m.Lock()
		sawLock.Store(true)
		// Hold across a pause so the contender can park.
		time.Sleep(50 * time.Millisecond)
		m.Unlock()
		// Depth is still 1: the contender must not run yet.
		time.Sleep(50 * time.Millisecond)
		earlyProgress.Store(progressed.Load())
		m.Unlock()
	})
	contender := Spawn(func() {
		for !sawLock.Load() {
			time.Sleep(time.Millisecond)
		}
		m.Lock()
		progressed.Store(true)
		m.Unlock()
	})
	holder.Wait()
	contender.Wait()
	require.False(t, earlyProgress.Load())
	require.True(t, progressed.Load())
}

func TestRecursiveMutexUnlockByStranger(t *testing.T) {
	var m RecursiveMutex
	Spawn(func() { m.Lock() }).Wait()
	require.Panics(t, func() {
		m.Unlock()
	})
}

func TestConditionVariableNotifyAll(t *testing.T) {
	var m Mutex
	var cond ConditionVariable
	ready := false
	var woken atomic.Int32
	var group HandlerGroup
	for range 2 {
		group.Spawn(func() {
			m.Lock()
			for !ready {
				cond.Wait(&m)
			}
			woken.Add(1)
			m.Unlock()
		})
	}
	time.Sleep(50 * time.Millisecond)
	m.Lock()
	ready = true
	m.Unlock()
	cond.NotifyAll()
	group.Wait()
	require.Equal(t, int32(2), woken.Load())
}

func TestAsyncMultipleGetters(t *testing.T) {
	async := NewAsync[int]()
	var got atomic.Int32
	var wrong atomic.Int32
	var group HandlerGroup
	for range 3 {
		group.Spawn(func() {
			v, err := async.Get()
			if err != nil || v != 42 {
				wrong.Add(1)
				return
			}
			got.Add(1)
		})
	}
	time.Sleep(20 * time.Millisecond)
	require.True(t, async.Eval().SetResult(42))
	group.Wait()
	require.Zero(t, wrong.Load())
	require.Equal(t, int32(3), got.Load())
}

func TestAsyncError(t *testing.T) {
	async := NewAsync[int]()
	async.Eval().SetError(ErrRoutine)
	_, err := async.Get()
	require.ErrorIs(t, err, ErrRoutine)
}

func TestAsyncFirstSetWins(t *testing.T) {
	async := NewAsync[int]()
	eval := async.Eval()
	require.True(t, eval.SetResult(1))
	require.False(t, eval.SetResult(2))
	v, err := async.Get()
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestAsyncGetFromNativeGoroutine(t *testing.T) {
	async := NewAsync[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		async.Eval().SetResult("done")
	}()
	v, err := async.Get()
	require.NoError(t, err)
	require.Equal(t, "done", v)
}
