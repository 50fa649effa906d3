package routines

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
)

// DefaultStackSize is the stack size hint for spawned routines. Stacks
// are owned and grown by the Go runtime, so the hint only bounds the
// caller's expectations; it is carried for API compatibility with
// schedulers that allocate fixed blocks.
const DefaultStackSize = 64 * 1024

// Scheduler multiplexes routines onto a fixed pool of workers. Workers
// pop routines off a FIFO ready queue, run them until they yield, then
// route them by state: completed routines wake their waiters, suspending
// routines are settled onto their waiter list, everything else is
// requeued.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	ready   []*Routine
	stopped bool

	nextID atomic.Uint64
	active atomic.Int64
	wg     sync.WaitGroup
}

// terminateSentinel drains the worker pool: each worker that pops it
// requeues it for the next worker and unwinds.
var terminateSentinel = &Routine{}

// NewScheduler starts a scheduler with the given number of workers;
// threads <= 0 selects the hardware concurrency.
func NewScheduler(threads int, logger *slog.Logger) *Scheduler {
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{logger: logger}
	s.cond = sync.NewCond(&s.mu)
	s.wg.Add(threads)
	for range threads {
		go s.run()
	}
	return s
}

var (
	defaultOnce      sync.Once
	defaultScheduler *Scheduler
)

// Default returns the process-wide scheduler, starting it on first use.
func Default() *Scheduler {
	defaultOnce.Do(func() {
		defaultScheduler = NewScheduler(0, slog.Default())
	})
	return defaultScheduler
}

// Spawn queues fn as a new routine on the default scheduler.
func Spawn(fn func()) ID {
	return Default().Spawn(fn)
}

// Spawn queues fn as a new routine and returns its id. Safe from any
// thread, including from within another routine.
func (s *Scheduler) Spawn(fn func()) ID {
	return s.SpawnStack(fn, DefaultStackSize)
}

// SpawnStack is Spawn with an explicit stack size hint.
func (s *Scheduler) SpawnStack(fn func(), stackSize int) ID {
	_ = stackSize
	id := s.nextID.Add(1)
	r := newRoutine(id, s, fn, s.logger)
	s.active.Add(1)
	metrics.IncrCounter(MetricRoutineSpawnCount, 1)
	metrics.SetGauge(MetricRoutineActive, float32(s.active.Load()))
	s.enqueue(r)
	return ID{id: id, routine: r}
}

func (s *Scheduler) enqueue(r *Routine) {
	s.mu.Lock()
	s.ready = append(s.ready, r)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *Scheduler) pop() *Routine {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.ready) == 0 {
		s.cond.Wait()
	}
	r := s.ready[0]
	s.ready = s.ready[1:]
	return r
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		r := s.pop()
		if r == terminateSentinel {
			s.enqueue(terminateSentinel)
			return
		}
		r.Continue()
		switch r.State() {
		case StateComplete:
			r.complete()
			s.active.Add(-1)
			metrics.SetGauge(MetricRoutineActive, float32(s.active.Load()))
		case StatePendingSuspend:
			if r.settle() {
				s.enqueue(r)
			}
		default:
			s.enqueue(r)
		}
	}
}

// Stop drains the workers and joins them. Routines still parked when
// Stop is called are abandoned; spawning after Stop is undefined.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	s.enqueue(terminateSentinel)
	s.wg.Wait()
}

// ID is a weak handle to a spawned routine. The zero ID is detached.
type ID struct {
	id      uint64
	routine *Routine
}

// Value returns the numeric routine id; 0 means detached.
func (id ID) Value() uint64 {
	return id.id
}

// Routine returns the underlying routine, or nil when detached.
func (id ID) Routine() *Routine {
	return id.routine
}

// Wait blocks until the identified routine completes. Waiting on a
// detached id returns immediately.
func (id ID) Wait() {
	if id.routine != nil {
		id.routine.Wait()
	}
}
