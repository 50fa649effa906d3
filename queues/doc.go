// Package queues provides the producer/consumer pipes the toolkit's
// data flows through: unbounded MPMC queues, last-value-wins state
// queues, fan-in and converting adapters, and publishers that broadcast
// to subscribed queue writers with snapshot semantics.
//
// Readers park the calling routine when a queue is empty; writers never
// block and resume exactly one waiter per push. Breaking a queue is
// terminal: every parked and future reader observes the break error once
// the buffer drains, and racing writers fail with it.
package queues
