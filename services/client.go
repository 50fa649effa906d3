package services

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-metrics"

	"github.com/beamworks/beam/network"
	"github.com/beamworks/beam/queues"
	"github.com/beamworks/beam/routines"
)

// ProtocolClient speaks the framed protocol over one channel. The same
// type serves both sides: a connecting client and the server's handle to
// an accepted channel.
//
// One reader routine parses inbound frames. Responses fulfil the Evals
// of pending requests; messages run on the client's task routine so
// handlers are single-threaded; inbound requests (on the serving side)
// each run in a fresh routine.
type ProtocolClient struct {
	channel network.Channel
	slots   *SlotRegistry
	logger  *slog.Logger

	heartbeat         Timer
	heartbeatOutcomes *queues.Queue[TimerResult]

	mu              sync.Mutex
	nextCorrelation uint32
	pending         map[uint32]*routines.Eval[cbor.RawMessage]
	closeReason     error

	state      OpenState
	reader     routines.Handler
	pump       routines.Handler
	tasks      *queues.RoutineTaskQueue
	sawTraffic atomic.Bool
	pingSent   atomic.Bool

	session atomic.Value

	// onClosed runs once, after the channel closed and pending requests
	// failed (and, on Close, after the reader unwound); the server uses
	// it to drop the client and notify its servlet.
	onClosed func(*ProtocolClient)
}

// ClientOption configures a ProtocolClient.
type ClientOption func(*ProtocolClient)

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *ProtocolClient) {
		c.logger = logger
	}
}

// WithHeartbeat arms a heartbeat timer: every expiry without inbound
// traffic sends a ping, and a second silent expiry closes the channel.
func WithHeartbeat(t Timer) ClientOption {
	return func(c *ProtocolClient) {
		c.heartbeat = t
	}
}

// WithCloseHandler runs fn exactly once, after the client shut down. Only
// a shutdown started by Close waits for the reader to unwind first; one
// started by the reader or the heartbeat runs fn without waiting.
// Reconnecting clients hook their recovery here.
func WithCloseHandler(fn func(*ProtocolClient)) ClientOption {
	return func(c *ProtocolClient) {
		c.onClosed = fn
	}
}

// NewProtocolClient wraps a channel. Open must be called before any
// request is sent.
func NewProtocolClient(channel network.Channel, slots *SlotRegistry, opts ...ClientOption) *ProtocolClient {
	c := &ProtocolClient{
		channel: channel,
		slots:   slots,
		logger:  slog.Default(),
		pending: make(map[uint32]*routines.Eval[cbor.RawMessage]),
		tasks:   queues.NewRoutineTaskQueue(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Identifier returns the underlying channel's identifier.
func (c *ProtocolClient) Identifier() string {
	return c.channel.Identifier()
}

// Session returns the per-client state a servlet attached.
func (c *ProtocolClient) Session() any {
	return c.session.Load()
}

// SetSession attaches per-client state for the servlet's use.
func (c *ProtocolClient) SetSession(v any) {
	c.session.Store(v)
}

// Open spawns the reader routine and arms the heartbeat.
func (c *ProtocolClient) Open() {
	if !c.state.SetOpening() {
		return
	}
	c.reader.Assign(routines.Spawn(c.readLoop))
	if c.heartbeat != nil {
		c.heartbeatOutcomes = queues.NewQueue[TimerResult]()
		c.heartbeat.Monitor(c.heartbeatOutcomes)
		c.pump.Assign(routines.Spawn(c.heartbeatLoop))
		c.heartbeat.Start()
	}
	c.state.SetOpen()
}

// SendRequest writes a request frame and parks until the matching
// response arrives, returning its raw body.
func (c *ProtocolClient) SendRequest(service uint32, request any) (cbor.RawMessage, error) {
	body, err := Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("services: encoding request for service %d: %w", service, err)
	}
	c.mu.Lock()
	if c.closeReason != nil {
		reason := c.closeReason
		c.mu.Unlock()
		return nil, reason
	}
	c.nextCorrelation++
	correlation := c.nextCorrelation
	async := routines.NewAsync[cbor.RawMessage]()
	c.pending[correlation] = async.Eval()
	c.mu.Unlock()

	metrics.IncrCounter(MetricServiceRequestCount, 1)
	err = writeFrame(c.channel, payload{
		discriminator: frameRequest,
		serviceID:     service,
		correlationID: correlation,
		body:          body,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, correlation)
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", network.ErrNotConnected, err)
	}
	return async.Get()
}

// Call sends a typed request and decodes the typed response.
func Call[Req, Resp any](c *ProtocolClient, service uint32, request Req) (Resp, error) {
	var response Resp
	body, err := c.SendRequest(service, request)
	if err != nil {
		return response, err
	}
	if err := Unmarshal(body, &response); err != nil {
		return response, fmt.Errorf("services: decoding response from service %d: %w", service, err)
	}
	return response, nil
}

// SendMessage writes a one-way message frame.
func SendMessage[M any](c *ProtocolClient, message uint32, m M) error {
	body, err := Marshal(m)
	if err != nil {
		return fmt.Errorf("services: encoding message %d: %w", message, err)
	}
	metrics.IncrCounter(MetricServiceMessageCount, 1)
	return writeFrame(c.channel, payload{
		discriminator: frameMessage,
		messageID:     message,
		body:          body,
	})
}

func (c *ProtocolClient) readLoop() {
	for {
		p, err := readFrame(c.channel)
		if err != nil {
			c.shutdown(err, false)
			return
		}
		c.sawTraffic.Store(true)
		c.pingSent.Store(false)
		switch p.discriminator {
		case frameResponse:
			c.resolve(p)
		case frameMessage:
			c.dispatchMessage(p)
		case frameRequest:
			c.serveRequest(p)
		case framePing:
			if err := writeFrame(c.channel, payload{discriminator: framePong}); err != nil {
				c.shutdown(err, false)
				return
			}
		case framePong:
			// Traffic already noted above.
		}
	}
}

func (c *ProtocolClient) resolve(p payload) {
	c.mu.Lock()
	eval, ok := c.pending[p.correlationID]
	delete(c.pending, p.correlationID)
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("response with unknown correlation id",
			"channel", c.channel.Identifier(),
			"correlation", p.correlationID)
		return
	}
	if p.ok {
		eval.SetResult(p.body)
		return
	}
	var w wireError
	if err := Unmarshal(p.body, &w); err != nil {
		eval.SetError(fmt.Errorf("%w: undecodable error response", network.ErrSocket))
		return
	}
	eval.SetError(decodeError(w))
}

func (c *ProtocolClient) dispatchMessage(p payload) {
	handlers := c.slots.message(p.messageID)
	if len(handlers) == 0 {
		c.logger.Warn("message with no slot",
			"channel", c.channel.Identifier(),
			"message", p.messageID)
		return
	}
	for _, h := range handlers {
		if h.parallel {
			h.fn(c, p.body)
			continue
		}
		fn := h.fn
		if err := c.tasks.Push(func() { fn(c, cbor.RawMessage(p.body)) }); err != nil {
			return
		}
	}
}

func (c *ProtocolClient) serveRequest(p payload) {
	handler, ok := c.slots.request(p.serviceID)
	if !ok {
		c.respond(p.correlationID, nil,
			NewServiceRequestError("no such service %d", p.serviceID))
		return
	}
	routines.Spawn(func() {
		result, err := handler(c, p.body)
		c.respond(p.correlationID, result, err)
	})
}

func (c *ProtocolClient) respond(correlation uint32, result any, callErr error) {
	p := payload{discriminator: frameResponse, correlationID: correlation}
	if callErr != nil {
		body, err := Marshal(encodeError(callErr))
		if err != nil {
			c.logger.Error("encoding error response", "error", err)
			return
		}
		p.body = body
	} else {
		body, err := Marshal(result)
		if err != nil {
			body, err = Marshal(encodeError(
				NewServiceRequestError("unencodable response: %v", err)))
			if err != nil {
				return
			}
			p.ok = false
			p.body = body
			if writeErr := writeFrame(c.channel, p); writeErr != nil {
				c.shutdown(writeErr, false)
			}
			return
		}
		p.ok = true
		p.body = body
	}
	if err := writeFrame(c.channel, p); err != nil {
		c.shutdown(err, false)
	}
}

func (c *ProtocolClient) heartbeatLoop() {
	for {
		outcome, err := c.heartbeatOutcomes.Pop()
		if err != nil || outcome == TimerCanceled {
			return
		}
		if c.sawTraffic.Swap(false) {
			c.pingSent.Store(false)
			c.heartbeat.Start()
			continue
		}
		if c.pingSent.Load() {
			// Two silent intervals: the peer is gone.
			c.shutdown(network.ErrNotConnected, false)
			return
		}
		c.pingSent.Store(true)
		if err := writeFrame(c.channel, payload{discriminator: framePing}); err != nil {
			c.shutdown(err, false)
			return
		}
		c.heartbeat.Start()
	}
}

// Close tears the client down, failing every pending request with
// ErrNotConnected. Idempotent.
func (c *ProtocolClient) Close() error {
	c.shutdown(network.ErrNotConnected, true)
	return nil
}

// CloseReason returns the error the client shut down with, or nil while
// it is open.
func (c *ProtocolClient) CloseReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *ProtocolClient) shutdown(reason error, wait bool) {
	if c.state.SetClosing() {
		if wait {
			c.reader.Wait()
			c.pump.Wait()
		}
		return
	}
	c.mu.Lock()
	c.closeReason = reason
	pending := c.pending
	c.pending = make(map[uint32]*routines.Eval[cbor.RawMessage])
	c.mu.Unlock()

	c.channel.Close()
	if c.heartbeat != nil {
		c.heartbeat.Cancel()
		c.heartbeatOutcomes.Break(nil)
	}
	for _, eval := range pending {
		eval.SetError(reason)
	}
	c.tasks.Break(queues.ErrPipeBroken)
	if wait {
		c.reader.Wait()
		c.pump.Wait()
	}
	if c.onClosed != nil {
		c.onClosed(c)
	}
}
