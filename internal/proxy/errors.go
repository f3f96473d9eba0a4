package proxy

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an engine-side failure reported in a reply.
type ErrorKind string

// Error kinds reported by the proxy.
const (
	KindCancelled       ErrorKind = "cancelled"
	KindCustom          ErrorKind = "custom"
	KindGeneric         ErrorKind = "generic"
	KindPanic           ErrorKind = "panic"
	KindTerminated      ErrorKind = "terminated"
	KindTimeout         ErrorKind = "timeout"
	KindEntityNotExists ErrorKind = "entity_not_exists"
	KindConnection      ErrorKind = "connection"
)

// Transport errors.
var (
	// ErrProtocol indicates a malformed or unrecognized envelope. When read
	// off the wire it is fatal to the connection.
	ErrProtocol = errors.New("proxy protocol error")

	// ErrConnectionLost indicates the channel to the proxy failed or was
	// closed. Every outstanding and future call on the connection fails with it.
	ErrConnectionLost = errors.New("proxy connection lost")

	// ErrClosed is the cause recorded when the connection is closed locally.
	ErrClosed = errors.New("proxy connection closed")

	// ErrHandshake indicates the proxy did not accept the connection.
	ErrHandshake = errors.New("proxy handshake failed")
)

// Call errors.
var (
	// ErrTimeout indicates the local wait for a reply exceeded its deadline.
	// The remote operation is not cancelled.
	ErrTimeout = errors.New("proxy call timed out")

	// ErrRemote matches every *RemoteError.
	ErrRemote = errors.New("proxy rejected operation")
)

// FormatError reports a frame that could not be decoded.
type FormatError struct {
	Reason string
	Err    error
}

func formatErr(reason string, err error) *FormatError {
	return &FormatError{Reason: reason, Err: err}
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("format error: %s: %v", e.Reason, e.Err)
	}
	return "format error: " + e.Reason
}

// Unwrap lets errors.Is match both ErrProtocol and the underlying cause.
func (e *FormatError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProtocol}
	}
	return []error{ErrProtocol, e.Err}
}

// RemoteError is an operation failure reported by the engine. It is never
// retried by this package.
type RemoteError struct {
	Op      MessageType
	Kind    ErrorKind
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s rejected (%s): %s", e.Op, e.Kind, e.Message)
}

func (e *RemoteError) Unwrap() error { return ErrRemote }

// IsRemoteKind reports whether err is a *RemoteError of the given kind.
func IsRemoteKind(err error, kind ErrorKind) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Kind == kind
}

// connectionLost wraps cause so it matches ErrConnectionLost.
func connectionLost(cause error) error {
	switch {
	case cause == nil:
		return ErrConnectionLost
	case errors.Is(cause, ErrConnectionLost):
		return cause
	default:
		return fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	}
}
