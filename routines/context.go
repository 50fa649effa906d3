package routines

// execContext abstracts a suspendable flow of execution. The original
// design called for machine-level stack switching; the Go rendition backs
// each context with a dedicated goroutine parked on a handoff channel,
// which gives the same contract: jump transfers control into the context
// until it yields or finishes, yield transfers control back to whoever
// jumped, and callee state survives across switches on the goroutine's
// own stack.
//
// The handoff channels are unbuffered so exactly one side runs at a time;
// control is transferred, never shared.
type execContext struct {
	resume chan struct{}
	yield  chan struct{}
	done   bool
}

// newExecContext creates a suspended context. entry does not start
// executing until the first jump.
func newExecContext(entry func()) *execContext {
	c := &execContext{
		resume: make(chan struct{}),
		yield:  make(chan struct{}),
	}
	go func() {
		<-c.resume
		entry()
		c.done = true
		c.yield <- struct{}{}
	}()
	return c
}

// jump transfers control into the context and blocks until it yields or
// finishes. Must not be called on a context that already finished.
func (c *execContext) jump() {
	c.resume <- struct{}{}
	<-c.yield
}

// yieldOut suspends the context, returning control to the jumper, and
// blocks until the next jump. Must be called from within entry.
func (c *execContext) yieldOut() {
	c.yield <- struct{}{}
	<-c.resume
}

// destroy releases a finished context. Contexts that never finished keep
// their goroutine parked; it is reclaimed when the process exits, the
// same way the original runtime leaked stacks of abandoned routines.
func (c *execContext) destroy() {
	if c.done {
		c.resume = nil
		c.yield = nil
	}
}
