package services

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/beamworks/beam/network"
)

// Payload discriminators, the first byte of every frame body.
const (
	frameRequest byte = iota
	frameResponse
	frameMessage
	framePing
	framePong
)

// maxFrameSize bounds a single frame; anything larger is treated as a
// protocol violation on the channel.
const maxFrameSize = 16 * 1024 * 1024

// encMode produces deterministic CBOR so the same logical body always
// encodes to the same bytes.
var encMode cbor.EncMode

// decMode accepts standard CBOR, ignoring unknown fields so peers can
// evolve their schemas independently.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("services: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// Bodies decoded into any-typed targets (service properties)
		// should come back as map[string]any, not the CBOR default
		// map[interface{}]interface{}.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("services: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes a body with the protocol's CBOR mode.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a body with the protocol's CBOR mode.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// payload is one parsed frame.
type payload struct {
	discriminator byte
	serviceID     uint32 // requests
	messageID     uint32 // messages
	correlationID uint32 // requests and responses
	ok            bool   // responses
	body          []byte
}

const responseOk byte = 0
const responseErr byte = 1

func appendU32(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v)
}

func encodePayload(p payload) []byte {
	buf := make([]byte, 0, 16+len(p.body))
	buf = append(buf, p.discriminator)
	switch p.discriminator {
	case frameRequest:
		buf = appendU32(buf, p.serviceID)
		buf = appendU32(buf, p.correlationID)
	case frameResponse:
		buf = appendU32(buf, p.correlationID)
		if p.ok {
			buf = append(buf, responseOk)
		} else {
			buf = append(buf, responseErr)
		}
	case frameMessage:
		buf = appendU32(buf, p.messageID)
	}
	return append(buf, p.body...)
}

func decodePayload(data []byte) (payload, error) {
	if len(data) == 0 {
		return payload{}, fmt.Errorf("%w: empty frame", network.ErrSocket)
	}
	p := payload{discriminator: data[0]}
	rest := data[1:]
	need := func(n int) error {
		if len(rest) < n {
			return fmt.Errorf("%w: truncated frame", network.ErrSocket)
		}
		return nil
	}
	switch p.discriminator {
	case frameRequest:
		if err := need(8); err != nil {
			return payload{}, err
		}
		p.serviceID = binary.BigEndian.Uint32(rest)
		p.correlationID = binary.BigEndian.Uint32(rest[4:])
		p.body = rest[8:]
	case frameResponse:
		if err := need(5); err != nil {
			return payload{}, err
		}
		p.correlationID = binary.BigEndian.Uint32(rest)
		p.ok = rest[4] == responseOk
		p.body = rest[5:]
	case frameMessage:
		if err := need(4); err != nil {
			return payload{}, err
		}
		p.messageID = binary.BigEndian.Uint32(rest)
		p.body = rest[4:]
	case framePing, framePong:
		p.body = rest
	default:
		return payload{}, fmt.Errorf("%w: unknown discriminator %#x",
			network.ErrSocket, p.discriminator)
	}
	return p, nil
}

// writeFrame length-prefixes and writes one payload.
func writeFrame(w network.Writer, p payload) error {
	encoded := encodePayload(p)
	frame := make([]byte, 0, 4+len(encoded))
	frame = appendU32(frame, uint32(len(encoded)))
	frame = append(frame, encoded...)
	return w.Write(frame)
}

func readFull(r network.Reader, buf []byte) error {
	for read := 0; read < len(buf); {
		n, err := r.Read(buf[read:])
		if err != nil {
			return err
		}
		read += n
	}
	return nil
}

// readFrame reads and parses one payload, parking while data is short.
func readFrame(r network.Reader) (payload, error) {
	header := make([]byte, 4)
	if err := readFull(r, header); err != nil {
		return payload{}, err
	}
	size := binary.BigEndian.Uint32(header)
	if size == 0 || size > maxFrameSize {
		return payload{}, fmt.Errorf("%w: bad frame size %d", network.ErrSocket, size)
	}
	body := make([]byte, size)
	if err := readFull(r, body); err != nil {
		return payload{}, err
	}
	return decodePayload(body)
}
