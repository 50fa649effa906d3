package queues

import "weak"

// WeakQueue writes to a queue without keeping it alive: once the target
// has been collected, pushes fail with ErrPipeBroken and breaks are
// dropped. Producers use it so an abandoned consumer can be reclaimed.
type WeakQueue[T any] struct {
	target weak.Pointer[Queue[T]]
}

// NewWeakQueue wraps queue with a non-owning writer.
func NewWeakQueue[T any](queue *Queue[T]) *WeakQueue[T] {
	return &WeakQueue[T]{target: weak.Make(queue)}
}

func (w *WeakQueue[T]) Push(v T) error {
	q := w.target.Value()
	if q == nil {
		return ErrPipeBroken
	}
	return q.Push(v)
}

func (w *WeakQueue[T]) Break(err error) {
	if q := w.target.Value(); q != nil {
		q.Break(err)
	}
}
