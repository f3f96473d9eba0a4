package client

import (
	"errors"

	"github.com/seantiz/tasklink/internal/proxy"
)

// Errors raised by the client itself.
var (
	// ErrInvalidOperation is returned when a registration handle belongs to
	// a different Client.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrInvalidArgument is returned for a missing domain, task list, type
	// name or registration.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrClosed is returned by operations started after Close.
	ErrClosed = errors.New("client closed")
	// ErrUnresponsive is the connection's close cause after too many
	// consecutive heartbeat failures.
	ErrUnresponsive = errors.New("proxy stopped answering heartbeats")
)

// Errors surfaced from the proxy connection.
var (
	ErrTimeout        = proxy.ErrTimeout
	ErrConnectionLost = proxy.ErrConnectionLost
	ErrProtocol       = proxy.ErrProtocol
	ErrHandshake      = proxy.ErrHandshake
	ErrRemote         = proxy.ErrRemote
)

// RemoteError is an operation the engine rejected.
type RemoteError = proxy.RemoteError

// ErrorKind classifies a RemoteError.
type ErrorKind = proxy.ErrorKind

// Remote error kinds.
const (
	KindCancelled       = proxy.KindCancelled
	KindCustom          = proxy.KindCustom
	KindGeneric         = proxy.KindGeneric
	KindPanic           = proxy.KindPanic
	KindTerminated      = proxy.KindTerminated
	KindTimeout         = proxy.KindTimeout
	KindEntityNotExists = proxy.KindEntityNotExists
	KindConnection      = proxy.KindConnection
)

// IsRemoteKind reports whether err carries a RemoteError of the given kind.
func IsRemoteKind(err error, kind ErrorKind) bool {
	return proxy.IsRemoteKind(err, kind)
}
