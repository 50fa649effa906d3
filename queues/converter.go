package queues

// ConverterQueueWriter applies a conversion to each pushed value and
// forwards the result to a downstream writer. Errors, including breaks,
// forward unchanged.
type ConverterQueueWriter[S, T any] struct {
	target    Writer[T]
	converter func(S) T
}

// NewConverterQueueWriter wraps target with the given conversion.
func NewConverterQueueWriter[S, T any](target Writer[T], converter func(S) T) *ConverterQueueWriter[S, T] {
	return &ConverterQueueWriter[S, T]{target: target, converter: converter}
}

func (w *ConverterQueueWriter[S, T]) Push(v S) error {
	return w.target.Push(w.converter(v))
}

func (w *ConverterQueueWriter[S, T]) Break(err error) {
	w.target.Break(err)
}

// NewTaskQueueWriter converts pushed values into thunks invoking task,
// forwarded to a writer of tasks. Used to feed RoutineTaskQueue slots.
func NewTaskQueueWriter[S any](target Writer[func()], task func(S)) *ConverterQueueWriter[S, func()] {
	return NewConverterQueueWriter(target, func(v S) func() {
		return func() {
			task(v)
		}
	})
}
