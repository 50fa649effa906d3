// Package services implements the framed request/response and one-way
// message protocol the toolkit's services speak over a network.Channel.
//
// Frames are length-prefixed and carry a discriminated payload: requests
// and responses matched by correlation id, one-way messages dispatched
// to registered slots, and ping/pong heartbeats. Bodies are CBOR, so
// every field travels self-describing. A client parks the requesting
// routine on an Async until the response arrives; message handlers run
// single-threaded in a dedicated routine unless a slot is registered
// parallel-safe.
package services
