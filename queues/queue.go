package queues

import (
	"sync"

	"github.com/beamworks/beam/routines"
)

// Queue is an unbounded multi-producer multi-consumer FIFO. Readers
// park while it is empty; each push resumes exactly one waiter.
//
// The zero Queue is ready to use, but a Queue must not be copied after
// first use.
type Queue[T any] struct {
	guard     sync.Mutex
	items     []T
	broken    bool
	breakErr  error
	suspended routines.SuspendedRoutineQueue
}

// NewQueue returns an empty open queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends a value and resumes one waiting reader.
func (q *Queue[T]) Push(v T) error {
	q.guard.Lock()
	if q.broken {
		err := q.breakErr
		q.guard.Unlock()
		return err
	}
	q.items = append(q.items, v)
	q.suspended.ResumeFront()
	q.guard.Unlock()
	return nil
}

// Pop removes and returns the oldest element, parking while empty.
func (q *Queue[T]) Pop() (T, error) {
	q.guard.Lock()
	for len(q.items) == 0 {
		if q.broken {
			err := q.breakErr
			q.guard.Unlock()
			var zero T
			return zero, err
		}
		q.suspended.Park(&q.guard)
		q.guard.Lock()
	}
	v := q.items[0]
	q.items = q.items[1:]
	q.guard.Unlock()
	return v, nil
}

// TryPop removes and returns the oldest element without parking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.guard.Lock()
	defer q.guard.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}

// Top returns the oldest element without removing it, parking while
// empty.
func (q *Queue[T]) Top() (T, error) {
	q.guard.Lock()
	for len(q.items) == 0 {
		if q.broken {
			err := q.breakErr
			q.guard.Unlock()
			var zero T
			return zero, err
		}
		q.suspended.Park(&q.guard)
		q.guard.Lock()
	}
	v := q.items[0]
	q.guard.Unlock()
	return v, nil
}

// TryTop returns the oldest element without removing it or parking.
func (q *Queue[T]) TryTop() (T, bool) {
	q.guard.Lock()
	defer q.guard.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Break transitions the queue to broken, resuming every parked reader.
// Elements already buffered drain before readers observe the error.
// Breaking twice keeps the first error.
func (q *Queue[T]) Break(err error) {
	if err == nil {
		err = ErrPipeBroken
	}
	q.guard.Lock()
	if q.broken {
		q.guard.Unlock()
		return
	}
	q.broken = true
	q.breakErr = err
	q.suspended.ResumeAll()
	q.guard.Unlock()
}

// IsBroken reports whether the queue has been broken.
func (q *Queue[T]) IsBroken() bool {
	q.guard.Lock()
	defer q.guard.Unlock()
	return q.broken
}
