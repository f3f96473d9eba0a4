package client

import (
	"log/slog"
	"time"

	"github.com/seantiz/tasklink/internal/events"
)

// Defaults applied to zero Settings fields.
const (
	DefaultShutdownTimeout      = 10 * time.Second
	DefaultHeartbeatMaxFailures = 3
)

// Settings configures a Client.
type Settings struct {
	// Target is the proxy address: unix:///path, tcp://host:port or
	// vsock://cid:port. Only Dial uses it.
	Target string

	// Endpoints, when set, are sent to the proxy in a ConnectRequest right
	// after the handshake.
	Endpoints    []string
	Identity     string
	CreateDomain bool

	// DefaultDomain and DefaultTaskList replace empty arguments to
	// StartWorker.
	DefaultDomain   string
	DefaultTaskList string

	// CallTimeout bounds round trips whose context has no deadline.
	CallTimeout time.Duration
	// ShutdownTimeout bounds the worker stops issued by Close.
	ShutdownTimeout time.Duration
	// OrphanTTL is how long a timed-out NewWorker call waits for a late
	// reply to reconcile.
	OrphanTTL time.Duration

	// HeartbeatInterval enables proxy heartbeats when positive. The
	// connection is closed after HeartbeatMaxFailures consecutive failures.
	HeartbeatInterval    time.Duration
	HeartbeatMaxFailures int
}

func (s Settings) withDefaults() Settings {
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.HeartbeatMaxFailures <= 0 {
		s.HeartbeatMaxFailures = DefaultHeartbeatMaxFailures
	}
	return s
}

// Option customizes a Client.
type Option func(*options)

type options struct {
	logger *slog.Logger
	events *events.Broker
}

// WithLogger sets the logger used by the client and its connection.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithEvents publishes worker lifecycle events to b.
func WithEvents(b *events.Broker) Option {
	return func(o *options) {
		o.events = b
	}
}
