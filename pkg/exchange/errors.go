package exchange

import (
	"errors"
	"strings"
)

// Kinds of failure. Every error returned by this package matches exactly
// one of them with errors.Is.
var (
	ErrResolutionFailed = errors.New("resolution failed")
	ErrTimeout          = errors.New("no reply before timeout")
	ErrTransportFailure = errors.New("transport failure")
	ErrMalformedReply   = errors.New("malformed reply")

	ErrEmptyPayload    = errors.New("empty payload")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidConfig   = errors.New("invalid config")
)

// Error is returned by Exchange, Send and the reply decoders.
type Error struct {
	Op       string
	Endpoint Endpoint
	Kind     error
	Err      error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.Endpoint.Host != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Endpoint.String())
	}
	sb.WriteString(": ")
	sb.WriteString(e.Kind.Error())
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Timeout lets callers that only know about net.Error tell a missing reply
// apart from a broken socket.
func (e *Error) Timeout() bool {
	return e.Kind == ErrTimeout
}

func kindName(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrResolutionFailed):
		return "resolution_failed"
	case errors.Is(err, ErrTransportFailure):
		return "transport_failure"
	case errors.Is(err, ErrMalformedReply):
		return "malformed_reply"
	}
	return "invalid_input"
}
