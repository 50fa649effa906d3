package network

import "errors"

var (
	// ErrEndOfFile reports an orderly shutdown of the peer.
	ErrEndOfFile = errors.New("network: end of file")

	// ErrSocket reports a transport-level fault on an open channel.
	ErrSocket = errors.New("network: socket error")

	// ErrConnect reports a failure to establish a channel.
	ErrConnect = errors.New("network: unable to connect")

	// ErrNotConnected reports an operation on a channel that is not
	// open.
	ErrNotConnected = errors.New("network: not connected")
)
