package routines

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawnWait(t *testing.T) {
	var ran atomic.Bool
	id := Spawn(func() {
		ran.Store(true)
	})
	id.Wait()
	require.True(t, ran.Load())
	require.Equal(t, StateComplete, id.Routine().State())
}

func TestWaitIdempotent(t *testing.T) {
	id := Spawn(func() {})
	id.Wait()
	id.Wait()
	require.Equal(t, StateComplete, id.Routine().State())
}

func TestWaitFromRoutine(t *testing.T) {
	var order []string
	inner := Spawn(func() {
		time.Sleep(10 * time.Millisecond)
		order = append(order, "inner")
	})
	outer := Spawn(func() {
		inner.Wait()
		order = append(order, "outer")
	})
	outer.Wait()
	require.Equal(t, []string{"inner", "outer"}, order)
}

func TestDeferRequeues(t *testing.T) {
	var turns atomic.Int32
	id := Spawn(func() {
		for range 3 {
			turns.Add(1)
			Current().Defer()
		}
	})
	id.Wait()
	require.Equal(t, int32(3), turns.Load())
}

func TestCurrentOutsideRoutine(t *testing.T) {
	require.Nil(t, Current())
	var insideIsSet atomic.Bool
	id := Spawn(func() {
		insideIsSet.Store(Current() != nil)
	})
	id.Wait()
	require.True(t, insideIsSet.Load())
}

func TestPanicCompletesRoutine(t *testing.T) {
	id := Spawn(func() {
		panic("boom")
	})
	id.Wait()
	require.Equal(t, StateComplete, id.Routine().State())
}

func TestIdsMonotone(t *testing.T) {
	a := Spawn(func() {})
	b := Spawn(func() {})
	require.Greater(t, b.Value(), a.Value())
	a.Wait()
	b.Wait()
}

func TestHandlerGroup(t *testing.T) {
	var count atomic.Int32
	var group HandlerGroup
	for range 16 {
		group.Spawn(func() {
			count.Add(1)
		})
	}
	group.Wait()
	require.Equal(t, int32(16), count.Load())
}

func TestSchedulerStop(t *testing.T) {
	s := NewScheduler(2, nil)
	var count atomic.Int32
	ids := make([]ID, 0, 8)
	for range 8 {
		ids = append(ids, s.Spawn(func() {
			count.Add(1)
		}))
	}
	for _, id := range ids {
		id.Wait()
	}
	s.Stop()
	require.Equal(t, int32(8), count.Load())
}
