package services

import (
	"sync"
	"time"

	"github.com/beamworks/beam/queues"
)

// TimerResult is what a timer publishes when it fires or is stopped.
type TimerResult int

const (
	TimerExpired TimerResult = iota
	TimerCanceled
)

// Timer races a deadline against cancellation, publishing the outcome
// to monitoring queues. A routine awaiting a result subscribes and pops.
type Timer interface {
	Start()
	Cancel()

	// Wait blocks until the current cycle publishes a result.
	Wait() TimerResult

	// Monitor subscribes a writer to every future result.
	Monitor(w queues.Writer[TimerResult])
}

// LiveTimer publishes TimerExpired after a fixed interval, or
// TimerCanceled when stopped first. Start after a result begins a new
// cycle.
type LiveTimer struct {
	interval time.Duration

	mu      sync.Mutex
	pending *time.Timer
	pub     queues.QueueWriterPublisher[TimerResult]
}

// NewLiveTimer returns a stopped timer with the given interval.
func NewLiveTimer(interval time.Duration) *LiveTimer {
	return &LiveTimer{interval: interval}
}

func (t *LiveTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		return
	}
	t.pending = time.AfterFunc(t.interval, func() {
		t.mu.Lock()
		t.pending = nil
		t.mu.Unlock()
		t.pub.Push(TimerExpired)
	})
}

func (t *LiveTimer) Cancel() {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	if pending != nil && pending.Stop() {
		t.pub.Push(TimerCanceled)
	}
}

func (t *LiveTimer) Wait() TimerResult {
	q := queues.NewQueue[TimerResult]()
	t.pub.Monitor(q)
	r, err := q.Pop()
	if err != nil {
		return TimerCanceled
	}
	return r
}

func (t *LiveTimer) Monitor(w queues.Writer[TimerResult]) {
	t.pub.Monitor(w)
}

// TriggerTimer is the manual test double: it fires only when told to.
type TriggerTimer struct {
	pub queues.QueueWriterPublisher[TimerResult]
}

// NewTriggerTimer returns an idle trigger timer.
func NewTriggerTimer() *TriggerTimer {
	return &TriggerTimer{}
}

func (t *TriggerTimer) Start() {}

// Trigger publishes an expiry as if the interval elapsed.
func (t *TriggerTimer) Trigger() {
	t.pub.Push(TimerExpired)
}

func (t *TriggerTimer) Cancel() {
	t.pub.Push(TimerCanceled)
}

func (t *TriggerTimer) Wait() TimerResult {
	q := queues.NewQueue[TimerResult]()
	t.pub.Monitor(q)
	r, err := q.Pop()
	if err != nil {
		return TimerCanceled
	}
	return r
}

func (t *TriggerTimer) Monitor(w queues.Writer[TimerResult]) {
	t.pub.Monitor(w)
}
