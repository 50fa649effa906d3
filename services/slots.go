package services

import (
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// RequestHandler serves one request body and returns the response body
// value or an error for the caller.
type RequestHandler func(c *ProtocolClient, body cbor.RawMessage) (any, error)

// MessageHandler consumes a one-way message body.
type MessageHandler struct {
	fn       func(c *ProtocolClient, body cbor.RawMessage)
	parallel bool
}

// SlotRegistry maps service and message ids to their handlers. A
// registry is shared by every client of a server, so registration
// usually happens once, before any channel is accepted.
type SlotRegistry struct {
	mu       sync.RWMutex
	requests map[uint32]RequestHandler
	messages map[uint32][]MessageHandler
}

func (r *SlotRegistry) addRequest(service uint32, h RequestHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.requests == nil {
		r.requests = make(map[uint32]RequestHandler)
	}
	r.requests[service] = h
}

func (r *SlotRegistry) addMessage(message uint32, h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.messages == nil {
		r.messages = make(map[uint32][]MessageHandler)
	}
	r.messages[message] = append(r.messages[message], h)
}

func (r *SlotRegistry) request(service uint32) (RequestHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.requests[service]
	return h, ok
}

func (r *SlotRegistry) message(message uint32) []MessageHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.messages[message]
}

// AddRequestSlot registers a typed handler for a service id. The body
// decodes into Req; the returned Resp encodes into the response.
func AddRequestSlot[Req, Resp any](r *SlotRegistry, service uint32, fn func(*ProtocolClient, Req) (Resp, error)) {
	r.addRequest(service, func(c *ProtocolClient, body cbor.RawMessage) (any, error) {
		var req Req
		if err := Unmarshal(body, &req); err != nil {
			return nil, NewServiceRequestError("malformed request: %v", err)
		}
		return fn(c, req)
	})
}

// AddMessageSlot registers a typed handler for a one-way message id,
// run single-threaded in the receiving client's task routine.
func AddMessageSlot[M any](r *SlotRegistry, message uint32, fn func(*ProtocolClient, M)) {
	r.addMessage(message, MessageHandler{fn: decodeMessage(fn)})
}

// AddParallelMessageSlot registers a handler safe to run directly on
// the reader routine, bypassing the task queue.
func AddParallelMessageSlot[M any](r *SlotRegistry, message uint32, fn func(*ProtocolClient, M)) {
	r.addMessage(message, MessageHandler{fn: decodeMessage(fn), parallel: true})
}

func decodeMessage[M any](fn func(*ProtocolClient, M)) func(*ProtocolClient, cbor.RawMessage) {
	return func(c *ProtocolClient, body cbor.RawMessage) {
		var m M
		if err := Unmarshal(body, &m); err != nil {
			c.logger.Warn("dropping malformed message", "channel", c.channel.Identifier(), "error", err)
			return
		}
		fn(c, m)
	}
}
