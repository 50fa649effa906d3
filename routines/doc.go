// Package routines implements a cooperative M:N runtime: lightweight
// routines multiplexed onto a fixed pool of scheduler workers, together
// with the suspension primitives the rest of the toolkit is built on.
//
// A routine never blocks its worker. Every blocking operation in this
// module — mutex acquisition under contention, condition waits,
// `Async.Get`, `Routine.Wait`, queue reads — parks the calling routine
// on a per-primitive waiter list and hands the worker back to the
// scheduler, which picks the next ready routine. Resumption is FIFO per
// primitive; there is no global ordering across primitives.
//
// Code running outside any routine (plain goroutines, tests, main) may
// still call the blocking operations: they fall back to a native wait
// instead of parking.
package routines
