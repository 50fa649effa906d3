package queues

import (
	"sync"

	"github.com/beamworks/beam/routines"
)

// StateQueue is a pipe with capacity one and overwrite-on-push: a reader
// only ever observes the most recently pushed value. Pop waits for the
// next write after the most recent Pop.
//
// The zero StateQueue is ready to use.
type StateQueue[T any] struct {
	guard     sync.Mutex
	value     T
	hasValue  bool
	broken    bool
	breakErr  error
	suspended routines.SuspendedRoutineQueue
}

// NewStateQueue returns an empty open state queue.
func NewStateQueue[T any]() *StateQueue[T] {
	return &StateQueue[T]{}
}

// Push overwrites the slot and resumes one waiting reader.
func (q *StateQueue[T]) Push(v T) error {
	q.guard.Lock()
	if q.broken {
		err := q.breakErr
		q.guard.Unlock()
		return err
	}
	q.value = v
	q.hasValue = true
	q.suspended.ResumeFront()
	q.guard.Unlock()
	return nil
}

// Pop removes and returns the latest value, parking while the slot is
// empty.
func (q *StateQueue[T]) Pop() (T, error) {
	q.guard.Lock()
	for !q.hasValue {
		if q.broken {
			err := q.breakErr
			q.guard.Unlock()
			var zero T
			return zero, err
		}
		q.suspended.Park(&q.guard)
		q.guard.Lock()
	}
	v := q.value
	var zero T
	q.value = zero
	q.hasValue = false
	q.guard.Unlock()
	return v, nil
}

// TryPop removes and returns the latest value without parking.
func (q *StateQueue[T]) TryPop() (T, bool) {
	q.guard.Lock()
	defer q.guard.Unlock()
	if !q.hasValue {
		var zero T
		return zero, false
	}
	v := q.value
	var zeroed T
	q.value = zeroed
	q.hasValue = false
	return v, true
}

// Top returns the latest value without consuming it, parking while the
// slot is empty.
func (q *StateQueue[T]) Top() (T, error) {
	q.guard.Lock()
	for !q.hasValue {
		if q.broken {
			err := q.breakErr
			q.guard.Unlock()
			var zero T
			return zero, err
		}
		q.suspended.Park(&q.guard)
		q.guard.Lock()
	}
	v := q.value
	q.guard.Unlock()
	return v, nil
}

// TryTop returns the latest value without consuming it or parking.
func (q *StateQueue[T]) TryTop() (T, bool) {
	q.guard.Lock()
	defer q.guard.Unlock()
	if !q.hasValue {
		var zero T
		return zero, false
	}
	return q.value, true
}

// Break transitions the queue to broken. A buffered value drains before
// readers observe the error.
func (q *StateQueue[T]) Break(err error) {
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
