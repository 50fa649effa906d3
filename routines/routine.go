package routines

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
	"github.com/petermattis/goid"
)

// State of a Routine. Transitions are monotone except for the
// Suspended <-> Running cycle.
type State int32

const (
	// StatePending means the routine is waiting in the ready queue.
	StatePending State = iota

	// StateRunning means a scheduler worker is executing the routine.
	StateRunning

	// StatePendingSuspend means the routine asked to suspend and is on
	// its way back to the scheduler.
	StatePendingSuspend

	// StateSuspended means the routine is parked on a waiter list.
	StateSuspended

	// StateComplete is terminal.
	StateComplete
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StatePendingSuspend:
		return "pending_suspend"
	case StateSuspended:
		return "suspended"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Routine is a user-space task with its own stack, scheduled
// cooperatively. Routines are created with Spawn and owned by their
// Scheduler until they complete.
type Routine struct {
	id    uint64
	state atomic.Int32
	sched *Scheduler
	ctx   *execContext

	// suspendMu is held from PendingSuspend until the scheduler settles
	// the routine into StateSuspended. Resume acquires it, so a resumer
	// racing the park always observes a fully parked routine.
	suspendMu sync.Mutex

	// resumePending records a Resume that arrived while the routine was
	// still settling; the scheduler requeues instead of suspending.
	resumePending bool

	mu            sync.Mutex
	waiters       []*Routine
	nativeWaiters []chan struct{}
}

// currentRoutines maps a routine goroutine's id to its Routine while
// user code is on that goroutine's stack.
var currentRoutines sync.Map

// Current returns the routine executing on the calling goroutine, or nil
// when called from outside the runtime.
func Current() *Routine {
	if r, ok := currentRoutines.Load(goid.Get()); ok {
		return r.(*Routine)
	}
	return nil
}

func newRoutine(id uint64, sched *Scheduler, fn func(), logger *slog.Logger) *Routine {
	r := &Routine{id: id, sched: sched}
	r.ctx = newExecContext(func() {
		currentRoutines.Store(goid.Get(), r)
		defer currentRoutines.Delete(goid.Get())
		defer func() {
			if p := recover(); p != nil {
				metrics.IncrCounter(MetricRoutinePanicCount, 1)
				logger.Error("routine panicked",
					slog.Uint64("routine", r.id),
					slog.Any("panic", p))
			}
			r.state.Store(int32(StateComplete))
		}()
		fn()
	})
	return r
}

// ID returns the routine's unique id. Ids are minted monotonically and
// never reused within a process; 0 means detached.
func (r *Routine) ID() uint64 {
	return r.id
}

// State returns the routine's current state.
func (r *Routine) State() State {
	return State(r.state.Load())
}

// Continue runs the routine on the calling worker until it completes or
// yields. Only the scheduler calls this.
func (r *Routine) Continue() {
	r.state.Store(int32(StateRunning))
	r.ctx.jump()
}

// Defer voluntarily yields back to the scheduler; the routine stays
// Running and is requeued. Must be called from within the routine.
func (r *Routine) Defer() {
	r.ctx.yieldOut()
}

// Defer yields the current routine back to the scheduler. A no-op
// outside any routine.
func Defer() {
	if r := Current(); r != nil {
		r.Defer()
	}
}

// PendingSuspend marks the routine as about to suspend. The routine's
// suspend lock is acquired here and only released once the scheduler has
// settled the routine, which is what makes Resume safe from any thread:
// the matching lock release in the scheduler is the point after which a
// resumer may requeue us.
//
// The caller must release any primitive locks after this call and before
// the following Suspend.
func (r *Routine) PendingSuspend() {
	r.suspendMu.Lock()
	r.state.Store(int32(StatePendingSuspend))
}

// Suspend yields back to the scheduler, leaving the state
// PendingSuspend; the scheduler transitions it to Suspended. Returns
// once the routine is resumed.
func (r *Routine) Suspend() {
	r.ctx.yieldOut()
}

// settle is the scheduler half of the suspend handshake.
func (r *Routine) settle() (requeue bool) {
	requeue = r.resumePending
	r.resumePending = false
	if !requeue {
		r.state.Store(int32(StateSuspended))
	} else {
		r.state.Store(int32(StatePending))
	}
	r.suspendMu.Unlock()
	return requeue
}

// Resume requeues a suspended routine. Safe from any thread; a Resume
// racing the routine's own park blocks until the park settled.
func (r *Routine) Resume() {
	r.suspendMu.Lock()
	if r.State() == StateSuspended {
		r.state.Store(int32(StatePending))
		r.suspendMu.Unlock()
		r.sched.enqueue(r)
		return
	}
	// Still running or settling: ask the scheduler to requeue at the
	// settle point instead.
	r.resumePending = true
	r.suspendMu.Unlock()
}

// Wait parks the current routine (or blocks the calling goroutine) until
// the routine completes. Idempotent once complete.
func (r *Routine) Wait() {
	cur := Current()
	if cur == r {
		panic("routines: a routine cannot wait on itself")
	}
	if cur == nil {
		r.mu.Lock()
		if r.State() == StateComplete {
			r.mu.Unlock()
			return
		}
		done := make(chan struct{})
		r.nativeWaiters = append(r.nativeWaiters, done)
		r.mu.Unlock()
		<-done
		return
	}
	r.mu.Lock()
	for r.State() != StateComplete {
		r.waiters = append(r.waiters, cur)
		cur.PendingSuspend()
		r.mu.Unlock()
		cur.Suspend()
		r.mu.Lock()
	}
	r.mu.Unlock()
}

// complete wakes every waiter and releases the routine's resources.
// Called by the scheduler exactly once, after the state turned Complete.
func (r *Routine) complete() {
	r.mu.Lock()
	waiters := r.waiters
	native := r.nativeWaiters
	r.waiters = nil
	r.nativeWaiters = nil
	r.mu.Unlock()
	for _, w := range waiters {
		w.Resume()
	}
	for _, done := range native {
		close(done)
	}
	r.ctx.destroy()
}
