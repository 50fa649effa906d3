// Package network defines the byte-transport surface the service
// protocol is built on: the Channel abstraction (a connection with a
// parking reader and a writer), server connections that accept channels,
// and the IpAddress value used in configuration and service properties.
//
// Two implementations ship with the toolkit: a TCP channel for
// deployables and an in-process local pair whose reads park routines,
// used by tests and by anything wiring a client directly to a server.
package network
