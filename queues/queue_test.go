package queues

import (
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beamworks/beam/routines"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()
	for i := range 5 {
		require.NoError(t, q.Push(i))
	}
	for i := range 5 {
		v, err := q.Pop()
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
}

func TestQueueTopLeavesElement(t *testing.T) {
	q := NewQueue[string]()
	require.NoError(t, q.Push("a"))
	v, err := q.Top()
	require.NoError(t, err)
	require.Equal(t, "a", v)
	v, err = q.Pop()
	require.NoError(t, err)
	require.Equal(t, "a", v)
	_, ok := q.TryPop()
	require.False(t, ok)
}

func TestQueuePopParksUntilPush(t *testing.T) {
	q := NewQueue[int]()
	var got atomic.Int64
	id := routines.Spawn(func() {
		v, err := q.Pop()
		if err == nil {
			got.Store(int64(v))
		}
	})
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Push(7))
	id.Wait()
	require.Equal(t, int64(7), got.Load())
}

func TestQueueBreakRacesReaders(t *testing.T) {
	q := NewQueue[int]()
	var broken atomic.Int32
	var group routines.HandlerGroup
	for range 2 {
		group.Spawn(func() {
			_, err := q.Top()
			if errors.Is(err, ErrPipeBroken) {
				broken.Add(1)
			}
		})
	}
	time.Sleep(20 * time.Millisecond)
	q.Break(nil)
	group.Wait()
	require.Equal(t, int32(2), broken.Load())
}

func TestQueueDrainsBeforeBreakError(t *testing.T) {
	q := NewQueue[int]()
	require.NoError(t, q.Push(1))
	cause := errors.New("closed upstream")
	q.Break(cause)
	v, err := q.Pop()
	require.NoError(t, err)
	require.Equal(t, 1, v)
	_, err = q.Pop()
	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, q.Push(2), cause)
}

func TestQueueBreakKeepsFirstError(t *testing.T) {
	q := NewQueue[int]()
	first := errors.New("first")
	q.Break(first)
	q.Break(errors.New("second"))
	_, err := q.Pop()
	require.ErrorIs(t, err, first)
}

func TestStateQueueOverwrites(t *testing.T) {
	q := NewStateQueue[int]()
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))
	v, err := q.Pop()
	require.NoError(t, err)
	require.Equal(t, 2, v)
	_, ok := q.TryPop()
	require.False(t, ok)
}

func TestStateQueueWaitsForNextWrite(t *testing.T) {
	q := NewStateQueue[int]()
	require.NoError(t, q.Push(1))
	_, err := q.Pop()
	require.NoError(t, err)
	var got atomic.Int64
	id := routines.Spawn(func() {
		v, err := q.Pop()
		if err == nil {
			got.Store(int64(v))
		}
	})
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Push(9))
	id.Wait()
	require.Equal(t, int64(9), got.Load())
}

func TestAggregateQueueReader(t *testing.T) {
	a := NewQueue[int]()
	b := NewQueue[int]()
	agg := NewAggregateQueueReader([]Reader[int]{a, b})
	require.NoError(t, a.Push(1))
	require.NoError(t, b.Push(2))
	seen := map[int]bool{}
	for range 2 {
		v, err := agg.Pop()
		require.NoError(t, err)
		seen[v] = true
	}
	require.True(t, seen[1] && seen[2])

	cause := errors.New("sources gone")
	a.Break(cause)
	b.Break(cause)
	_, err := agg.Pop()
	require.ErrorIs(t, err, cause)
}

func TestAggregateQueueReaderEmpty(t *testing.T) {
	agg := NewAggregateQueueReader[int](nil)
	_, err := agg.Pop()
	require.ErrorIs(t, err, ErrPipeBroken)
}

func TestConverterQueueWriter(t *testing.T) {
	q := NewQueue[string]()
	w := NewConverterQueueWriter(q, func(v int) string {
		if v%2 == 0 {
			return "even"
		}
		return "odd"
	})
	require.NoError(t, w.Push(1))
	require.NoError(t, w.Push(2))
	v, _ := q.Pop()
	require.Equal(t, "odd", v)
	v, _ = q.Pop()
	require.Equal(t, "even", v)
	w.Break(nil)
	require.ErrorIs(t, q.Push("late"), ErrPipeBroken)
}

func TestWeakQueue(t *testing.T) {
	q := NewQueue[int]()
	w := NewWeakQueue(q)
	require.NoError(t, w.Push(1))
	v, err := q.Pop()
	require.NoError(t, err)
	require.Equal(t, 1, v)

	q = nil
	for range 5 {
		runtime.GC()
		if w.Push(2) != nil {
			break
		}
	}
	require.ErrorIs(t, w.Push(3), ErrPipeBroken)
}

func TestRoutineTaskQueueSingleThreaded(t *testing.T) {
	q := NewRoutineTaskQueue()
	var order []int
	slot := GetSlot(q, func(v int) {
		order = append(order, v)
	})
	for i := range 10 {
		require.NoError(t, slot.Push(i))
	}
	require.NoError(t, q.Close())
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestRoutineTaskQueueBreakCallback(t *testing.T) {
	q := NewRoutineTaskQueue()
	brokeCh := make(chan error, 1)
	slot := GetSlotErr(q, func(int) {}, func(err error) {
		brokeCh <- err
	})
	slot.Break(nil)
	select {
	case err := <-brokeCh:
		require.ErrorIs(t, err, ErrPipeBroken)
	case <-time.After(time.Second):
		t.Fatal("break callback never ran")
	}
	require.NoError(t, q.Close())
}
