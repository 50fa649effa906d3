package routines

import "sync"

// Async holds the eventual result of a one-shot computation. Any number
// of callers may Get concurrently; they all park until the paired Eval
// is set, then resume in FIFO order.
type Async[T any] struct {
	guard     sync.Mutex
	set       bool
	value     T
	err       error
	suspended SuspendedRoutineQueue
}

// NewAsync returns an empty Async.
func NewAsync[T any]() *Async[T] {
	return &Async[T]{}
}

// Eval returns the one-shot writer fulfilling this Async.
func (a *Async[T]) Eval() *Eval[T] {
	return &Eval[T]{async: a}
}

// Get parks the caller until a result or error is set, then returns it.
func (a *Async[T]) Get() (T, error) {
	a.guard.Lock()
	for !a.set {
		a.suspended.Park(&a.guard)
		a.guard.Lock()
	}
	v, err := a.value, a.err
	a.guard.Unlock()
	return v, err
}

// TryGet returns the result without parking; ok reports whether the
// Async was set.
func (a *Async[T]) TryGet() (v T, err error, ok bool) {
	a.guard.Lock()
	defer a.guard.Unlock()
	return a.value, a.err, a.set
}

func (a *Async[T]) fulfil(v T, err error) bool {
	a.guard.Lock()
	if a.set {
		a.guard.Unlock()
		return false
	}
	a.value = v
	a.err = err
	a.set = true
	a.suspended.ResumeAll()
	a.guard.Unlock()
	return true
}

// Eval is the write side of an Async. The first SetResult or SetError
// wins; later sets are ignored.
type Eval[T any] struct {
	async *Async[T]
}

// SetResult fulfils the Async with a value, resuming every parked Get.
func (e *Eval[T]) SetResult(v T) bool {
	return e.async.fulfil(v, nil)
}

// SetError fails the Async, resuming every parked Get with err.
func (e *Eval[T]) SetError(err error) bool {
	var zero T
	return e.async.fulfil(zero, err)
}
