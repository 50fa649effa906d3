package services

import (
	"errors"
	"fmt"

	"github.com/beamworks/beam/network"
	"github.com/beamworks/beam/queues"
)

// ServiceRequestError reports that the remote end rejected a service
// call; Message carries the remote reason.
type ServiceRequestError struct {
	Message string
}

func (e *ServiceRequestError) Error() string {
	if e.Message == "" {
		return "services: request rejected"
	}
	return "services: request rejected: " + e.Message
}

// NewServiceRequestError rejects a request with the given reason.
func NewServiceRequestError(format string, args ...any) *ServiceRequestError {
	return &ServiceRequestError{Message: fmt.Sprintf(format, args...)}
}

// IsServiceRequest reports whether err is a remote rejection.
func IsServiceRequest(err error) bool {
	var sre *ServiceRequestError
	return errors.As(err, &sre)
}

// Wire error codes. Only errors the taxonomy names travel typed; any
// other failure is carried as a ServiceRequestError with its message.
const (
	errCodeServiceRequest uint8 = iota
	errCodeNotConnected
	errCodeEndOfFile
	errCodeSocket
	errCodeConnect
	errCodePipeBroken
)

type wireError struct {
	Code    uint8  `cbor:"code"`
	Message string `cbor:"message"`
}

func encodeError(err error) wireError {
	switch {
	case IsServiceRequest(err):
		var sre *ServiceRequestError
		errors.As(err, &sre)
		return wireError{Code: errCodeServiceRequest, Message: sre.Message}
	case errors.Is(err, network.ErrNotConnected):
		return wireError{Code: errCodeNotConnected, Message: err.Error()}
	case errors.Is(err, network.ErrEndOfFile):
		return wireError{Code: errCodeEndOfFile, Message: err.Error()}
	case errors.Is(err, network.ErrSocket):
		return wireError{Code: errCodeSocket, Message: err.Error()}
	case errors.Is(err, network.ErrConnect):
		return wireError{Code: errCodeConnect, Message: err.Error()}
	case errors.Is(err, queues.ErrPipeBroken):
		return wireError{Code: errCodePipeBroken, Message: err.Error()}
	default:
		return wireError{Code: errCodeServiceRequest, Message: err.Error()}
	}
}

func decodeError(w wireError) error {
	switch w.Code {
	case errCodeNotConnected:
		return network.ErrNotConnected
	case errCodeEndOfFile:
		return network.ErrEndOfFile
	case errCodeSocket:
		return fmt.Errorf("%w: %s", network.ErrSocket, w.Message)
	case errCodeConnect:
		return fmt.Errorf("%w: %s", network.ErrConnect, w.Message)
	case errCodePipeBroken:
		return queues.ErrPipeBroken
	default:
		return &ServiceRequestError{Message: w.Message}
	}
}
