package routines

import "sync"

// ConditionVariable parks routines until notified. Unlike sync.Cond it
// releases any number of caller-supplied locks atomically with the park
// and reacquires them before Wait returns.
//
// The zero ConditionVariable is ready to use.
type ConditionVariable struct {
	guard     sync.Mutex
	suspended SuspendedRoutineQueue
}

// Wait parks the caller, releasing the given locks. The locks are
// reacquired, in the order given, before Wait returns. As with every
// condition variable, callers must re-check their predicate in a loop.
func (c *ConditionVariable) Wait(locks ...sync.Locker) {
	c.guard.Lock()
	c.suspended.Park(&c.guard, locks...)
}

// NotifyOne wakes the oldest waiter, if any.
func (c *ConditionVariable) NotifyOne() {
	c.guard.Lock()
	c.suspended.ResumeFront()
	c.guard.Unlock()
}

// NotifyAll wakes every waiter.
func (c *ConditionVariable) NotifyAll() {
	c.guard.Lock()
	c.suspended.ResumeAll()
	c.guard.Unlock()
}
