package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Correlator defaults.
const (
	DefaultCallTimeout = 30 * time.Second
	DefaultOrphanTTL   = 5 * time.Minute
)

const tracerName = "github.com/seantiz/tasklink/internal/proxy"

// CorrelatorOptions tunes a Correlator. Zero values select defaults.
type CorrelatorOptions struct {
	Logger *slog.Logger
	// CallTimeout bounds calls whose context carries no deadline.
	CallTimeout time.Duration
	// OrphanTTL is how long an abandoned call keeps its late-reply hook.
	OrphanTTL time.Duration
}

// Correlator matches replies to requests over one Conn. Correlation ids come
// from a monotonic counter and are never reused for the connection's
// lifetime, so a stale reply can never complete a newer call.
type Correlator struct {
	conn      *Conn
	logger    *slog.Logger
	timeout   time.Duration
	orphanTTL time.Duration
	tracer    trace.Tracer

	nextID atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]*pendingCall
	orphans  map[uint64]*orphan
	closed   bool
	closeErr error
}

// pendingCall is completed exactly once: whoever removes it from the
// pending map owns the single send on done.
type pendingCall struct {
	id        uint64
	request   Request
	done      chan completion
	lateReply func(Frame)
}

type completion struct {
	frame Frame
	err   error
}

type orphan struct {
	request Request
	handler func(Frame)
	timer   *time.Timer
}

// CallOption customizes a single call.
type CallOption func(*callOptions)

type callOptions struct {
	lateReply func(Frame)
}

// WithLateReply installs fn to receive the reply if it arrives after the
// caller stopped waiting. fn runs on its own goroutine and never completes
// the abandoned call.
func WithLateReply(fn func(Frame)) CallOption {
	return func(o *callOptions) {
		o.lateReply = fn
	}
}

// NewCorrelator takes ownership of conn and starts its receive loop.
func NewCorrelator(conn *Conn, opts CorrelatorOptions) (*Correlator, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.OrphanTTL <= 0 {
		opts.OrphanTTL = DefaultOrphanTTL
	}

	c := &Correlator{
		conn:      conn,
		logger:    opts.Logger,
		timeout:   opts.CallTimeout,
		orphanTTL: opts.OrphanTTL,
		tracer:    otel.Tracer(tracerName),
		pending:   make(map[uint64]*pendingCall),
		orphans:   make(map[uint64]*orphan),
	}
	if err := conn.Start(c); err != nil {
		return nil, fmt.Errorf("start receive loop: %w", err)
	}
	return c, nil
}

// Conn returns the underlying connection.
func (c *Correlator) Conn() *Conn {
	return c.conn
}

// Done is closed once the connection has closed and every pending call failed.
func (c *Correlator) Done() <-chan struct{} {
	return c.conn.Done()
}

// Close closes the connection. Pending calls fail with ErrConnectionLost.
func (c *Correlator) Close() error {
	return c.conn.Close()
}

// Pending returns the number of calls awaiting a reply.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call sends req and waits for its reply. The wait is bounded by ctx, or by
// the default call timeout when ctx has no deadline. Abandoning the wait does
// not cancel the remote operation.
func (c *Correlator) Call(ctx context.Context, req Request, opts ...CallOption) (Reply, error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ctx, span := c.tracer.Start(ctx, "proxy "+string(req.MessageType()),
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	start := time.Now()
	id, reply, err := c.call(ctx, req, co)

	outcome := outcomeOf(err)
	callsTotal.WithLabelValues(string(req.MessageType()), outcome).Inc()
	callDuration.WithLabelValues(string(req.MessageType())).Observe(time.Since(start).Seconds())

	span.SetAttributes(
		attribute.Int64("tasklink.correlation_id", int64(id)),
		attribute.String("tasklink.outcome", outcome),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return reply, nil
}

// Invoke is Call with the reply asserted to its concrete type.
func Invoke[R Reply](ctx context.Context, c *Correlator, req Request, opts ...CallOption) (R, error) {
	var zero R
	reply, err := c.Call(ctx, req, opts...)
	if err != nil {
		return zero, err
	}
	r, ok := reply.(R)
	if !ok {
		return zero, fmt.Errorf("%w: unexpected %s reply to %s", ErrProtocol, reply.MessageType(), req.MessageType())
	}
	return r, nil
}

func (c *Correlator) call(ctx context.Context, req Request, co callOptions) (uint64, Reply, error) {
	pc := &pendingCall{
		id:        c.nextID.Add(1),
		request:   req,
		done:      make(chan completion, 1),
		lateReply: co.lateReply,
	}

	if err := c.register(pc); err != nil {
		return pc.id, nil, err
	}

	if err := c.conn.Send(ctx, Frame{ID: pc.id, Message: req}); err != nil {
		c.forget(pc.id)
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return pc.id, nil, waitError(req, err)
		}
		return pc.id, nil, fmt.Errorf("send %s: %w", req.MessageType(), err)
	}

	select {
	case res := <-pc.done:
		reply, err := unpack(pc, res)
		return pc.id, reply, err
	case <-ctx.Done():
		if !c.abandon(pc) {
			// A reply or teardown removed the call first; its completion is
			// already buffered.
			reply, err := unpack(pc, <-pc.done)
			return pc.id, reply, err
		}
		return pc.id, nil, waitError(req, ctx.Err())
	}
}

func (c *Correlator) register(pc *pendingCall) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return connectionLost(c.closeErr)
	}
	c.pending[pc.id] = pc
	pendingCalls.Inc()
	return nil
}

// forget drops a call that was never sent.
func (c *Correlator) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; ok {
		delete(c.pending, id)
		pendingCalls.Dec()
	}
}

// abandon removes pc after its caller stopped waiting. It returns false when
// the call had already been completed by a reply or by teardown.
func (c *Correlator) abandon(pc *pendingCall) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[pc.id]; !ok {
		return false
	}
	delete(c.pending, pc.id)
	pendingCalls.Dec()

	if pc.lateReply != nil && !c.closed {
		o := &orphan{request: pc.request, handler: pc.lateReply}
		o.timer = time.AfterFunc(c.orphanTTL, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.orphans[pc.id] == o {
				delete(c.orphans, pc.id)
			}
		})
		c.orphans[pc.id] = o
	}
	return true
}

// HandleFrame routes a decoded frame to its pending call. It runs on the
// receive loop and never blocks.
func (c *Correlator) HandleFrame(f Frame) {
	if _, ok := f.Message.(Reply); !ok {
		c.logger.Warn("ignoring unsolicited request from proxy", "type", f.Message.MessageType(), "id", f.ID)
		return
	}

	c.mu.Lock()
	pc, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
		pendingCalls.Dec()
	}
	var o *orphan
	if !ok {
		if o = c.orphans[f.ID]; o != nil {
			delete(c.orphans, f.ID)
			o.timer.Stop()
		}
	}
	c.mu.Unlock()

	switch {
	case pc != nil:
		pc.done <- completion{frame: f}
	case o != nil:
		lateReplies.WithLabelValues(lateOrphaned).Inc()
		c.logger.Warn("late reply for abandoned call", "request", o.request.MessageType(), "id", f.ID)
		go o.handler(f)
	default:
		lateReplies.WithLabelValues(lateDiscarded).Inc()
		c.logger.Warn("discarding reply with unknown correlation id", "type", f.Message.MessageType(), "id", f.ID)
	}
}

// HandleClose fails every pending call with ErrConnectionLost and rejects
// all later registrations.
func (c *Correlator) HandleClose(cause error) {
	c.mu.Lock()
	c.closed = true
	c.closeErr = cause
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	for id, o := range c.orphans {
		o.timer.Stop()
		delete(c.orphans, id)
	}
	c.mu.Unlock()

	err := connectionLost(cause)
	for _, pc := range pending {
		pendingCalls.Dec()
		pc.done <- completion{err: err}
	}
	if len(pending) > 0 {
		c.logger.Warn("failed pending calls after connection loss", "count", len(pending), "error", cause)
	}
}

func unpack(pc *pendingCall, res completion) (Reply, error) {
	if res.err != nil {
		return nil, res.err
	}

	f := res.frame
	if f.Error != nil {
		return nil, &RemoteError{
			Op:      pc.request.MessageType(),
			Kind:    f.Error.Kind,
			Message: f.Error.Message,
		}
	}
	if f.Message.MessageType() != pc.request.ReplyType() {
		return nil, fmt.Errorf("%w: received %s in reply to %s",
			ErrProtocol, f.Message.MessageType(), pc.request.MessageType())
	}
	return f.Message.(Reply), nil
}

func waitError(req Request, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", req.MessageType(), ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", req.MessageType(), err)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, ErrRemote):
		return outcomeRemoteError
	case errors.Is(err, ErrTimeout):
		return outcomeTimeout
	case errors.Is(err, context.Canceled):
		return outcomeCanceled
	case errors.Is(err, ErrConnectionLost):
		return outcomeConnectionLost
	case errors.Is(err, ErrProtocol):
		return outcomeProtocolError
	default:
		return outcomeError
	}
}
