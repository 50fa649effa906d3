package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/beamworks/beam/queues"
)

// tcpReadChunk bounds the size of a single completion pushed onto the
// inbound queue.
const tcpReadChunk = 16 * 1024

// TcpChannel adapts a net.Conn to the Channel contract. A pump
// goroutine turns socket reads into completions on an inbound queue, so
// Read parks the calling routine instead of pinning a scheduler worker
// on the socket.
type TcpChannel struct {
	conn       net.Conn
	identifier string

	inbound *queues.Queue[[]byte]
	buffer  []byte

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Connect dials each address in turn and returns a channel to the first
// that accepts.
func Connect(addresses []IpAddress) (*TcpChannel, error) {
	var lastErr error
	for _, addr := range addresses {
		conn, err := net.Dial("tcp", addr.String())
		if err != nil {
			lastErr = err
			continue
		}
		return newTcpChannel(conn), nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, lastErr)
	}
	return nil, fmt.Errorf("%w: no addresses", ErrConnect)
}

func newTcpChannel(conn net.Conn) *TcpChannel {
	c := &TcpChannel{
		conn:       conn,
		identifier: conn.RemoteAddr().String(),
		inbound:    queues.NewQueue[[]byte](),
	}
	go c.pump()
	return c
}

func (c *TcpChannel) pump() {
	for {
		chunk := make([]byte, tcpReadChunk)
		n, err := c.conn.Read(chunk)
		if n > 0 {
			if c.inbound.Push(chunk[:n]) != nil {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.inbound.Break(ErrEndOfFile)
			} else {
				c.inbound.Break(fmt.Errorf("%w: %w", ErrSocket, err))
			}
			return
		}
	}
}

func (c *TcpChannel) Identifier() string {
	return c.identifier
}

func (c *TcpChannel) Read(p []byte) (int, error) {
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

func (c *TcpChannel) IsDataAvailable() bool {
	if len(c.buffer) > 0 {
		return true
	}
	_, ok := c.inbound.TryTop()
	return ok
}

func (c *TcpChannel) Write(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(p); err != nil {
		return fmt.Errorf("%w: %w", ErrSocket, err)
	}
	return nil
}

func (c *TcpChannel) Close() error {
	c.closeOnce.Do(func() {
		c.conn.Close()
		c.inbound.Break(ErrEndOfFile)
	})
	return nil
}

// TcpServerConnection accepts TcpChannels from a listener. A pump
// goroutine feeds accepted connections onto a queue so Accept parks the
// calling routine rather than blocking its worker on the socket.
type TcpServerConnection struct {
	listener net.Listener
	accepted *queues.Queue[Channel]
}

// Listen binds a TCP listener on the given interface.
func Listen(address IpAddress) (*TcpServerConnection, error) {
	listener, err := net.Listen("tcp", address.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	s := &TcpServerConnection{
		listener: listener,
		accepted: queues.NewQueue[Channel](),
	}
	go func() {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				s.accepted.Break(ErrEndOfFile)
				return
			}
			if s.accepted.Push(newTcpChannel(conn)) != nil {
				conn.Close()
				return
			}
		}
	}()
	return s, nil
}

func (s *TcpServerConnection) Accept() (Channel, error) {
	ch, err := s.accepted.Pop()
	if err != nil {
		return nil, ErrEndOfFile
	}
	return ch, nil
}

func (s *TcpServerConnection) Close() error {
	err := s.listener.Close()
	s.accepted.Break(ErrEndOfFile)
	return err
}
