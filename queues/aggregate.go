package queues

import (
	"sync/atomic"

	"github.com/beamworks/beam/routines"
)

// AggregateQueueReader combines multiple readers into one: a drain
// routine per source pushes into an internal queue. When every source
// has broken, the last break error propagates to the combined reader.
type AggregateQueueReader[T any] struct {
	sources     []Reader[T]
	remaining   atomic.Int32
	destination *Queue[T]
	drains      routines.HandlerGroup
}

// NewAggregateQueueReader starts draining the given sources. An empty
// source list yields an immediately broken reader.
func NewAggregateQueueReader[T any](sources []Reader[T]) *AggregateQueueReader[T] {
	r := &AggregateQueueReader[T]{
		sources:     sources,
		destination: NewQueue[T](),
	}
	r.remaining.Store(int32(len(sources)))
	if len(sources) == 0 {
		r.destination.Break(nil)
		return r
	}
	for _, source := range sources {
		r.drains.Spawn(func() {
			for {
				v, err := source.Pop()
				if err != nil {
					if r.remaining.Add(-1) == 0 {
						r.destination.Break(err)
					}
					return
				}
				if r.destination.Push(v) != nil {
					return
				}
			}
		})
	}
	return r
}

func (r *AggregateQueueReader[T]) Top() (T, error) {
	return r.destination.Top()
}

func (r *AggregateQueueReader[T]) TryTop() (T, bool) {
	return r.destination.TryTop()
}

func (r *AggregateQueueReader[T]) Pop() (T, error) {
	return r.destination.Pop()
}

func (r *AggregateQueueReader[T]) TryPop() (T, bool) {
	return r.destination.TryPop()
}

// Break breaks every source and the combined reader, then joins the
// drain routines.
func (r *AggregateQueueReader[T]) Break(err error) {
	for _, source := range r.sources {
		source.Break(err)
	}
	r.destination.Break(err)
	r.drains.Wait()
}
