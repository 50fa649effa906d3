package queues

import "sync"

// Publisher broadcasts values to subscribed queue writers.
//
// The snapshot contract: a subscriber observes either a snapshot
// containing every push up to some point, followed by every push
// strictly after it in order, or a broken writer — never a gap and
// never a reordering relative to its own snapshot.
type Publisher[T any] interface {
	// Monitor subscribes a writer. Snapshot-capable publishers push the
	// current snapshot first, atomically with respect to further pushes.
	Monitor(w Writer[T])

	// With runs f while holding the publisher's internal lock, so the
	// caller can observe or mutate state atomically with the stream.
	With(f func())
}

// QueueWriterPublisher fans values out to its subscribers with no
// snapshot: a new subscriber only sees pushes after Monitor returned.
//
// The zero QueueWriterPublisher is ready to use.
type QueueWriterPublisher[T any] struct {
	guard sync.Mutex
	subs  []Writer[T]
}

func (p *QueueWriterPublisher[T]) Monitor(w Writer[T]) {
	p.guard.Lock()
	p.subs = append(p.subs, w)
	p.guard.Unlock()
}

func (p *QueueWriterPublisher[T]) With(f func()) {
	p.guard.Lock()
	f()
	p.guard.Unlock()
}

// Push broadcasts v to every subscriber, pruning the dead ones.
func (p *QueueWriterPublisher[T]) Push(v T) {
	p.guard.Lock()
	p.push(v)
	p.guard.Unlock()
}

// push broadcasts while already holding the guard.
func (p *QueueWriterPublisher[T]) push(v T) {
	live := p.subs[:0]
	for _, sub := range p.subs {
		if sub.Push(v) == nil {
			live = append(live, sub)
		}
	}
	clear(p.subs[len(live):])
	p.subs = live
}

// Break breaks every subscriber and drops them.
func (p *QueueWriterPublisher[T]) Break(err error) {
	p.guard.Lock()
	subs := p.subs
	p.subs = nil
	p.guard.Unlock()
	for _, sub := range subs {
		sub.Break(err)
	}
}

// SequencePublisher replays every previously pushed value as the
// snapshot for new subscribers, then streams.
//
// The zero SequencePublisher is ready to use.
type SequencePublisher[T any] struct {
	guard sync.Mutex
	log   []T
	inner QueueWriterPublisher[T]
}

func (p *SequencePublisher[T]) Monitor(w Writer[T]) {
	p.guard.Lock()
	defer p.guard.Unlock()
	for _, v := range p.log {
		if w.Push(v) != nil {
			return
		}
	}
	p.inner.Monitor(w)
}

func (p *SequencePublisher[T]) With(f func()) {
	p.guard.Lock()
	f()
	p.guard.Unlock()
}

func (p *SequencePublisher[T]) Push(v T) {
	p.guard.Lock()
	p.log = append(p.log, v)
	p.inner.Push(v)
	p.guard.Unlock()
}

func (p *SequencePublisher[T]) Break(err error) {
	p.inner.Break(err)
}

// StatePublisher pushes the most recent value as the snapshot for new
// subscribers, then streams.
//
// The zero StatePublisher is ready to use.
type StatePublisher[T any] struct {
	guard    sync.Mutex
	value    T
	hasValue bool
	inner    QueueWriterPublisher[T]
}

func (p *StatePublisher[T]) Monitor(w Writer[T]) {
	p.guard.Lock()
	defer p.guard.Unlock()
	if p.hasValue {
		if w.Push(p.value) != nil {
			return
		}
	}
	p.inner.Monitor(w)
}

func (p *StatePublisher[T]) With(f func()) {
	p.guard.Lock()
	f()
	p.guard.Unlock()
}

func (p *StatePublisher[T]) Push(v T) {
	p.guard.Lock()
	p.value = v
	p.hasValue = true
	p.inner.Push(v)
	p.guard.Unlock()
}

func (p *StatePublisher[T]) Break(err error) {
	p.inner.Break(err)
}
