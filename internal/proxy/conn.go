package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdlayher/vsock"
)

// ProtocolVersion is announced to the proxy during the handshake.
const ProtocolVersion = 1

// Defaults for connection establishment.
const (
	defaultDialAttempts     = 5
	defaultDialBackoff      = 100 * time.Millisecond
	defaultHandshakeTimeout = 10 * time.Second
)

// State is the lifecycle state of a Conn.
type State int32

// Connection states. Transitions only move forward.
const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler consumes the traffic decoded by a connection's receive loop.
// Implementations must not block.
type Handler interface {
	HandleFrame(f Frame)
	// HandleClose is called exactly once, after the receive loop has exited.
	HandleClose(cause error)
}

// ConnOptions tunes connection establishment. Zero values select defaults.
type ConnOptions struct {
	Logger           *slog.Logger
	DialAttempts     int
	DialBackoff      time.Duration
	HandshakeTimeout time.Duration
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.DialAttempts <= 0 {
		o.DialAttempts = defaultDialAttempts
	}
	if o.DialBackoff <= 0 {
		o.DialBackoff = defaultDialBackoff
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	return o
}

// Conn owns the physical channel to the proxy. Writes are serialized; a
// single receive loop started by Start decodes incoming frames.
type Conn struct {
	nc     net.Conn
	reader *bufio.Reader // keeps bytes buffered during the handshake
	logger *slog.Logger
	peer   string

	state atomic.Int32
	// writeSlot holds one token while a frame is being written.
	writeSlot chan struct{}

	mu      sync.Mutex
	started bool
	cause   error

	closeOnce  sync.Once
	finishOnce sync.Once
	done       chan struct{}
}

// Target is a parsed proxy address.
type Target struct {
	Network string // "unix", "tcp" or "vsock"
	Address string
}

func (t Target) String() string {
	return t.Network + "://" + t.Address
}

// ParseTarget parses unix:///path, tcp://host:port or vsock://cid:port.
// A target without a scheme is treated as a unix socket path.
func ParseTarget(s string) (Target, error) {
	scheme, addr, ok := strings.Cut(s, "://")
	if !ok {
		if s == "" {
			return Target{}, fmt.Errorf("empty proxy target")
		}
		return Target{Network: "unix", Address: s}, nil
	}
	if addr == "" {
		return Target{}, fmt.Errorf("proxy target %q has no address", s)
	}

	switch scheme {
	case "unix", "tcp":
		return Target{Network: scheme, Address: addr}, nil
	case "vsock":
		if _, _, err := splitVsock(addr); err != nil {
			return Target{}, err
		}
		return Target{Network: scheme, Address: addr}, nil
	default:
		return Target{}, fmt.Errorf("unsupported proxy target scheme %q", scheme)
	}
}

func splitVsock(addr string) (cid, port uint32, err error) {
	c, p, ok := strings.Cut(addr, ":")
	if !ok {
		return 0, 0, fmt.Errorf("vsock address %q must be cid:port", addr)
	}
	cid64, err := strconv.ParseUint(c, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("vsock context id %q: %w", c, err)
	}
	port64, err := strconv.ParseUint(p, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("vsock port %q: %w", p, err)
	}
	return uint32(cid64), uint32(port64), nil
}

// Dial connects to the proxy at target and performs the handshake. Dialing
// is retried with exponential backoff; the handshake is not.
func Dial(ctx context.Context, target string, opts ConnOptions) (*Conn, error) {
	opts = opts.withDefaults()

	t, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}

	var lastErr error
	backoff := opts.DialBackoff

	for attempt := range opts.DialAttempts {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial proxy: %w", ctx.Err())
		default:
		}

		nc, err := dialTarget(ctx, t)
		if err != nil {
			lastErr = err
			opts.Logger.Debug("dial proxy failed", "target", t.String(), "attempt", attempt+1, "error", err)
			if attempt < opts.DialAttempts-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial proxy: %w", ctx.Err())
				}
				backoff *= 2
			}
			continue
		}

		return Open(ctx, nc, opts)
	}

	return nil, fmt.Errorf("dial proxy %s after %d attempts: %w", t, opts.DialAttempts, lastErr)
}

func dialTarget(ctx context.Context, t Target) (net.Conn, error) {
	if t.Network == "vsock" {
		cid, port, err := splitVsock(t.Address)
		if err != nil {
			return nil, err
		}
		conn, err := vsock.Dial(cid, port, nil)
		if err != nil {
			return nil, fmt.Errorf("connect to vsock %s: %w", t.Address, err)
		}
		return conn, nil
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, t.Network, t.Address)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", t, err)
	}
	return conn, nil
}

// Open performs the handshake over an already established connection handle
// and returns an open Conn. nc is closed if the handshake fails.
//
// Protocol: send "HELLO tasklink/<version>\n", receive "OK <proxy>\n".
func Open(ctx context.Context, nc net.Conn, opts ConnOptions) (*Conn, error) {
	opts = opts.withDefaults()

	c := &Conn{
		nc:        nc,
		logger:    opts.Logger,
		writeSlot: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(opts.HandshakeTimeout)
	}
	if err := nc.SetDeadline(deadline); err != nil {
		nc.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	hello := fmt.Sprintf("HELLO tasklink/%d\n", ProtocolVersion)
	if _, err := io.WriteString(nc, hello); err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: send HELLO: %w", ErrHandshake, err)
	}

	c.reader = bufio.NewReader(nc)
	response, err := c.reader.ReadString('\n')
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: read HELLO response: %w", ErrHandshake, err)
	}

	response = strings.TrimSpace(response)
	peer, ok := strings.CutPrefix(response, "OK")
	if !ok || (peer != "" && peer[0] != ' ') {
		nc.Close()
		return nil, fmt.Errorf("%w: unexpected response %q", ErrHandshake, response)
	}
	c.peer = strings.TrimSpace(peer)

	if err := nc.SetDeadline(time.Time{}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	c.state.Store(int32(StateOpen))
	c.logger.Info("proxy connection open", "peer", c.peer, "remote_addr", addrString(nc.RemoteAddr()))
	return c, nil
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// Peer returns the name the proxy announced during the handshake.
func (c *Conn) Peer() string {
	return c.peer
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Done is closed once the connection reaches StateClosed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection left StateOpen, or nil while open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Start launches the receive loop, delivering traffic to h. It may be called
// once, and only while the connection is open.
func (c *Conn) Start(h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("receive loop already started")
	}
	if c.State() != StateOpen {
		return connectionLost(c.cause)
	}
	c.started = true

	go c.receive(h)
	return nil
}

// Send writes one frame. Waiting for the write slot and the write itself
// are bounded by ctx. A write that fails or is cut short by ctx closes the
// connection, since a partial frame leaves the stream unusable.
func (c *Conn) Send(ctx context.Context, f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}

	select {
	case c.writeSlot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("wait to send %s: %w", f.Message.MessageType(), ctx.Err())
	}
	defer func() { <-c.writeSlot }()

	if c.State() != StateOpen {
		return connectionLost(c.Err())
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send %s: %w", f.Message.MessageType(), err)
	}

	if err := c.write(ctx, data); err != nil {
		switch ctxErr := ctx.Err(); {
		case ctxErr != nil:
			err = fmt.Errorf("write frame: %w", ctxErr)
		case errors.Is(err, os.ErrDeadlineExceeded):
			// The write deadline came from ctx and fired first.
			err = fmt.Errorf("write frame: %w", context.DeadlineExceeded)
		default:
			err = fmt.Errorf("write frame: %w", err)
		}
		c.shutdown(err)
		return connectionLost(err)
	}

	c.logger.Debug("frame sent", "type", f.Message.MessageType(), "id", f.ID)
	return nil
}

// write copies data to the channel with the write deadline taken from ctx.
// Cancelling ctx interrupts a blocked write.
func (c *Conn) write(ctx context.Context, data []byte) error {
	deadline, _ := ctx.Deadline()
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return err
	}

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(interrupted)
		c.nc.SetWriteDeadline(time.Now())
	})

	_, err := c.nc.Write(data)
	if !stop() {
		<-interrupted
	}
	return err
}

// Close moves the connection to Closing and releases the channel. It is
// idempotent and always returns nil; the receive loop finishes asynchronously
// (wait on Done).
func (c *Conn) Close() error {
	return c.CloseWithError(ErrClosed)
}

// CloseWithError is Close with cause recorded as the reason the connection
// left StateOpen, unless an earlier cause was already recorded.
func (c *Conn) CloseWithError(cause error) error {
	c.shutdown(cause)

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		c.finish(nil)
	}
	return nil
}

// shutdown records cause (first one wins), enters Closing and closes the
// underlying channel so the receive loop unblocks.
func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	if c.cause == nil {
		c.cause = cause
	}
	c.mu.Unlock()

	for {
		s := c.state.Load()
		if State(s) >= StateClosing {
			break
		}
		if c.state.CompareAndSwap(s, int32(StateClosing)) {
			break
		}
	}

	c.closeOnce.Do(func() {
		if err := c.nc.Close(); err != nil {
			c.logger.Debug("close proxy channel", "error", err)
		}
	})
}

func (c *Conn) finish(h Handler) {
	c.finishOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		if h != nil {
			h.HandleClose(c.Err())
		}
		close(c.done)
	})
}

func (c *Conn) receive(h Handler) {
	defer c.finish(h)

	for {
		f, err := ReadFrame(c.reader)
		if err != nil {
			c.readFailed(err)
			return
		}
		c.logger.Debug("frame received", "type", f.Message.MessageType(), "id", f.ID)
		h.HandleFrame(f)
	}
}

func (c *Conn) readFailed(err error) {
	switch {
	case c.State() >= StateClosing:
		// Local close or write failure already recorded the cause.
	case err == io.EOF:
		c.logger.Warn("proxy closed the connection")
		err = fmt.Errorf("proxy closed the connection: %w", err)
	case isFormatError(err):
		c.logger.Error("protocol error, closing proxy connection", "error", err)
	default:
		c.logger.Error("read from proxy failed", "error", err)
		err = fmt.Errorf("read frame: %w", err)
	}
	c.shutdown(err)
}

func isFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}
