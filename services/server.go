package services

import (
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"

	"github.com/beamworks/beam/network"
	"github.com/beamworks/beam/routines"
)

// Servlet is a server-side bundle of slot registrations plus the
// lifecycle hooks for per-client session state.
type Servlet interface {
	// Register installs the servlet's request and message slots. Called
	// once, before any channel is accepted.
	Register(slots *SlotRegistry)

	// HandleClientAccepted runs for every accepted channel, before its
	// reader starts.
	HandleClientAccepted(c *ProtocolClient)

	// HandleClientClosed runs once per client after its channel died.
	HandleClientClosed(c *ProtocolClient)

	// Close releases servlet resources after the server shut down.
	Close()
}

// ProtocolServer binds a servlet to a server connection: it accepts
// channels in a routine, wraps each in a ProtocolClient, and tears
// everything down on Close.
type ProtocolServer struct {
	conn    network.ServerConnection
	servlet Servlet
	logger  *slog.Logger
	slots   SlotRegistry

	// timers builds one heartbeat timer per accepted client; nil
	// disables heartbeats.
	timers func() Timer

	mu      sync.Mutex
	clients map[*ProtocolClient]struct{}

	state  OpenState
	accept routines.Handler
}

// ServerOption configures a ProtocolServer.
type ServerOption func(*ProtocolServer)

// WithServerLogger sets the server's logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *ProtocolServer) {
		s.logger = logger
	}
}

// WithHeartbeatTimers arms every accepted client with a heartbeat timer
// from the factory.
func WithHeartbeatTimers(factory func() Timer) ServerOption {
	return func(s *ProtocolServer) {
		s.timers = factory
	}
}

// NewProtocolServer binds servlet to conn. Open starts accepting.
func NewProtocolServer(conn network.ServerConnection, servlet Servlet, opts ...ServerOption) *ProtocolServer {
	s := &ProtocolServer{
		conn:    conn,
		servlet: servlet,
		logger:  slog.Default(),
		clients: make(map[*ProtocolClient]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Slots exposes the server's registry, letting tests add slots beside
// the servlet's.
func (s *ProtocolServer) Slots() *SlotRegistry {
	return &s.slots
}

// Open registers the servlet and spawns the accept loop.
func (s *ProtocolServer) Open() {
	if !s.state.SetOpening() {
		return
	}
	s.servlet.Register(&s.slots)
	s.accept.Assign(routines.Spawn(s.acceptLoop))
	s.state.SetOpen()
}

func (s *ProtocolServer) acceptLoop() {
	for {
		channel, err := s.conn.Accept()
		if err != nil {
			return
		}
		opts := []ClientOption{
			WithLogger(s.logger),
			WithCloseHandler(s.clientClosed),
		}
		if s.timers != nil {
			opts = append(opts, WithHeartbeat(s.timers()))
		}
		client := NewProtocolClient(channel, &s.slots, opts...)
		s.mu.Lock()
		s.clients[client] = struct{}{}
		count := len(s.clients)
		s.mu.Unlock()
		metrics.SetGauge(MetricServiceClientCount, float32(count))
		s.logger.Debug("client accepted", "channel", channel.Identifier())
		s.servlet.HandleClientAccepted(client)
		client.Open()
	}
}

func (s *ProtocolServer) clientClosed(c *ProtocolClient) {
	s.mu.Lock()
	_, known := s.clients[c]
	delete(s.clients, c)
	count := len(s.clients)
	s.mu.Unlock()
	if !known {
		return
	}
	metrics.SetGauge(MetricServiceClientCount, float32(count))
	s.logger.Debug("client closed", "channel", c.Identifier())
	s.servlet.HandleClientClosed(c)
}

// Close breaks the server connection, closes every client, and joins
// the accept routine. Idempotent.
func (s *ProtocolServer) Close() error {
	if s.state.SetClosing() {
		return nil
	}
	s.conn.Close()
	s.mu.Lock()
	clients := make([]*ProtocolClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
	s.accept.Wait()
	s.servlet.Close()
	return nil
}
