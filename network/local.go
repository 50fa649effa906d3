package network

import (
	"errors"
	"fmt"
	"sync"

	"github.com/beamworks/beam/queues"
)

// LocalChannel is one end of an in-process channel pair. Each direction
// is a queue of byte chunks, so reads park the calling routine exactly
// like a socket read would, without any kernel plumbing. Closing either
// end breaks both directions.
type LocalChannel struct {
	identifier string
	inbound    *queues.Queue[[]byte]
	outbound   *queues.Queue[[]byte]
	buffer     []byte
	closeOnce  sync.Once
}

// NewLocalChannelPair returns two connected channel ends.
func NewLocalChannelPair(identifier string) (*LocalChannel, *LocalChannel) {
	ab := queues.NewQueue[[]byte]()
	ba := queues.NewQueue[[]byte]()
	a := &LocalChannel{identifier: identifier, inbound: ba, outbound: ab}
	b := &LocalChannel{identifier: identifier, inbound: ab, outbound: ba}
	return a, b
}

func (c *LocalChannel) Identifier() string {
	return c.identifier
}

func (c *LocalChannel) Read(p []byte) (int, error) {
	if len(c.buffer) == 0 {
		chunk, err := c.inbound.Pop()
		if err != nil {
			if errors.Is(err, queues.ErrPipeBroken) {
				return 0, ErrEndOfFile
			}
			return 0, err
		}
		c.buffer = chunk
	}
	n := copy(p, c.buffer)
	c.buffer = c.buffer[n:]
	return n, nil
}

func (c *LocalChannel) IsDataAvailable() bool {
	if len(c.buffer) > 0 {
		return true
	}
	_, ok := c.inbound.TryTop()
	return ok
}

func (c *LocalChannel) Write(p []byte) error {
	chunk := make([]byte, len(p))
	copy(chunk, p)
	if err := c.outbound.Push(chunk); err != nil {
		return ErrNotConnected
	}
	return nil
}

func (c *LocalChannel) Close() error {
	c.closeOnce.Do(func() {
		c.inbound.Break(ErrEndOfFile)
		c.outbound.Break(ErrEndOfFile)
	})
	return nil
}

// LocalServerConnection hands out local channel pairs: Connect yields
// the client end and queues the server end for Accept.
type LocalServerConnection struct {
	pending *queues.Queue[Channel]
	nextID  int
	mu      sync.Mutex
}

// NewLocalServerConnection returns an open local listener.
func NewLocalServerConnection() *LocalServerConnection {
	return &LocalServerConnection{pending: queues.NewQueue[Channel]()}
}

// Connect creates a channel pair and returns the client end.
func (s *LocalServerConnection) Connect(identifier string) (Channel, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()
	client, server := NewLocalChannelPair(fmt.Sprintf("%s/%d", identifier, id))
	if err := s.pending.Push(Channel(server)); err != nil {
		return nil, ErrConnect
	}
	return client, nil
}

func (s *LocalServerConnection) Accept() (Channel, error) {
	ch, err := s.pending.Pop()
	if err != nil {
		return nil, ErrEndOfFile
	}
	return ch, nil
}

func (s *LocalServerConnection) Close() error {
	s.pending.Break(ErrEndOfFile)
	return nil
}
