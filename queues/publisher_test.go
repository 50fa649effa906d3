package queues

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func drainAll[T any](t *testing.T, q *Queue[T]) []T {
	t.Helper()
	var out []T
	for {
		v, ok := q.TryPop()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func TestQueueWriterPublisherNoSnapshot(t *testing.T) {
	var p QueueWriterPublisher[int]
	p.Push(1)
	sub := NewQueue[int]()
	p.Monitor(sub)
	p.Push(2)
	p.Push(3)
	require.Equal(t, []int{2, 3}, drainAll(t, sub))
}

func TestQueueWriterPublisherPrunesDead(t *testing.T) {
	var p QueueWriterPublisher[int]
	dead := NewQueue[int]()
	live := NewQueue[int]()
	p.Monitor(dead)
	p.Monitor(live)
	dead.Break(nil)
	p.Push(1)
	p.Push(2)
	require.Equal(t, []int{1, 2}, drainAll(t, live))
}

func TestSequencePublisherSnapshot(t *testing.T) {
	var p SequencePublisher[int]
	p.Push(1)
	p.Push(2)
	sub := NewQueue[int]()
	p.Monitor(sub)
	p.Push(3)
	require.Equal(t, []int{1, 2, 3}, drainAll(t, sub))
}

func TestSequencePublisherNoGapUnderWith(t *testing.T) {
	var p SequencePublisher[int]
	p.Push(1)
	sub := NewQueue[int]()
	// Monitor takes the same guard as With and Push, so the snapshot and
	// the stream meet without a gap.
	p.With(func() {})
	p.Monitor(sub)
	p.Push(2)
	require.Equal(t, []int{1, 2}, drainAll(t, sub))
}

func TestStatePublisherSnapshotIsLatest(t *testing.T) {
	var p StatePublisher[string]
	p.Push("old")
	p.Push("current")
	sub := NewQueue[string]()
	p.Monitor(sub)
	p.Push("next")
	require.Equal(t, []string{"current", "next"}, drainAll(t, sub))
}

func TestPublisherBreakReachesSubscribers(t *testing.T) {
	var p QueueWriterPublisher[int]
	sub := NewQueue[int]()
	p.Monitor(sub)
	p.Break(nil)
	_, err := sub.Pop()
	require.ErrorIs(t, err, ErrPipeBroken)
}
