package routines

import "errors"

var (
	// ErrRoutine reports that a routine aborted or that the scheduler it
	// was bound to has been torn down.
	ErrRoutine = errors.New("routines: routine aborted")

	ErrSchedulerStopped = errors.New("routines: scheduler stopped")

	// ErrNotSet reports an Async read that raced its Eval going away.
	ErrNotSet = errors.New("routines: eval dropped without a result")
)
