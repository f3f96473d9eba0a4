package client

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/seantiz/tasklink/internal/events"
	"github.com/seantiz/tasklink/internal/model"
	"github.com/seantiz/tasklink/internal/proxy"
	"github.com/seantiz/tasklink/worker"
)

// Client registers workers with the engine through a single proxy
// connection. It is safe for concurrent use.
//
// Start and stop operations are serialized by a broad guard held across the
// round trip, so two concurrent starts of the same tuple produce one remote
// registration. The registry itself is only touched under its own lock;
// Ping and reads never wait for the broad guard.
type Client struct {
	id       string
	settings Settings
	logger   *slog.Logger
	events   *events.Broker

	corr     *proxy.Correlator
	registry *worker.Registry
	guard    *semaphore.Weighted

	closing   atomic.Bool
	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// Dial connects to the proxy at settings.Target and returns a ready Client.
func Dial(ctx context.Context, settings Settings, opts ...Option) (*Client, error) {
	o := buildOptions(opts)

	conn, err := proxy.Dial(ctx, settings.Target, proxy.ConnOptions{Logger: o.logger})
	if err != nil {
		return nil, err
	}
	return newClient(ctx, conn, settings, o)
}

// New runs the handshake over an established connection handle and returns
// a ready Client. The Client owns nc from then on.
func New(ctx context.Context, nc net.Conn, settings Settings, opts ...Option) (*Client, error) {
	o := buildOptions(opts)

	conn, err := proxy.Open(ctx, nc, proxy.ConnOptions{Logger: o.logger})
	if err != nil {
		return nil, err
	}
	return newClient(ctx, conn, settings, o)
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newClient(ctx context.Context, conn *proxy.Conn, settings Settings, o options) (*Client, error) {
	settings = settings.withDefaults()

	corr, err := proxy.NewCorrelator(conn, proxy.CorrelatorOptions{
		Logger:      o.logger,
		CallTimeout: settings.CallTimeout,
		OrphanTTL:   settings.OrphanTTL,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	id := model.NewClientID()
	c := &Client{
		id:       id,
		settings: settings,
		logger:   o.logger.With("client_id", id),
		events:   o.events,
		corr:     corr,
		registry: worker.NewRegistry(),
		guard:    semaphore.NewWeighted(1),
		stop:     make(chan struct{}),
	}

	if len(settings.Endpoints) > 0 {
		if err := c.connect(ctx); err != nil {
			corr.Close()
			<-corr.Done()
			return nil, err
		}
	}

	c.wg.Go(c.watch)
	if settings.HeartbeatInterval > 0 {
		c.wg.Go(c.heartbeat)
	}

	c.logger.Info("client ready", "peer", conn.Peer())
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	_, err := proxy.Invoke[*proxy.ConnectReply](ctx, c.corr, &proxy.ConnectRequest{
		Endpoints:    c.settings.Endpoints,
		Identity:     c.settings.Identity,
		Domain:       c.settings.DefaultDomain,
		CreateDomain: c.settings.CreateDomain,
	})
	if err != nil {
		return fmt.Errorf("connect to engine: %w", err)
	}
	c.logger.Info("connected to engine", "endpoints", c.settings.Endpoints, "domain", c.settings.DefaultDomain)
	return nil
}

// ID returns the identifier recorded as Owner on this client's registrations.
func (c *Client) ID() string {
	return c.id
}

// Done is closed once the proxy connection has closed.
func (c *Client) Done() <-chan struct{} {
	return c.corr.Done()
}

// Err returns why the connection closed, or nil while it is open.
func (c *Client) Err() error {
	return c.corr.Conn().Err()
}

// Workers returns a snapshot of the current registrations ordered by id.
func (c *Client) Workers() []*worker.Registration {
	return c.registry.List()
}

// Worker returns the registration with the given engine worker id.
func (c *Client) Worker(id int64) (*worker.Registration, bool) {
	return c.registry.Get(id)
}

// Ping performs a round trip to the proxy. It has no effect on the registry.
func (c *Client) Ping(ctx context.Context) error {
	if c.closing.Load() {
		return ErrClosed
	}
	if _, err := proxy.Invoke[*proxy.PingReply](ctx, c.corr, &proxy.PingRequest{}); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// StartWorkflowWorker registers a workflow worker. See StartWorker.
func (c *Client) StartWorkflowWorker(ctx context.Context, domain, taskList, typeName string, opts *worker.Options) (*worker.Registration, error) {
	return c.StartWorker(ctx, worker.KindWorkflow, domain, taskList, typeName, opts)
}

// StartActivityWorker registers an activity worker. See StartWorker.
func (c *Client) StartActivityWorker(ctx context.Context, domain, taskList, typeName string, opts *worker.Options) (*worker.Registration, error) {
	return c.StartWorker(ctx, worker.KindActivity, domain, taskList, typeName, opts)
}

// StartWorker registers a worker for the tuple, or returns the existing
// registration for it without contacting the proxy. Empty domain and task
// list fall back to the configured defaults. If the round trip fails the
// registry is left unchanged.
func (c *Client) StartWorker(ctx context.Context, kind worker.Kind, domain, taskList, typeName string, opts *worker.Options) (*worker.Registration, error) {
	if c.closing.Load() {
		return nil, ErrClosed
	}

	key := worker.Key{
		Kind:     kind,
		Domain:   cmp.Or(domain, c.settings.DefaultDomain),
		TaskList: cmp.Or(taskList, c.settings.DefaultTaskList),
		TypeName: typeName,
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	if err := c.guard.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("start %s worker: %w", kind, err)
	}
	defer c.guard.Release(1)

	if c.closing.Load() {
		return nil, ErrClosed
	}
	if existing, ok := c.registry.Find(key); ok {
		workerOperations.WithLabelValues(opStart, outcomeExisting).Inc()
		return existing, nil
	}

	reply, err := proxy.Invoke[*proxy.NewWorkerReply](ctx, c.corr, &proxy.NewWorkerRequest{
		Name:       key.TypeName,
		IsWorkflow: key.Kind == worker.KindWorkflow,
		Domain:     key.Domain,
		TaskList:   key.TaskList,
		Options:    opts,
	}, proxy.WithLateReply(c.reconcileLateWorker(key)))
	if err != nil {
		recordOp(opStart, err)
		return nil, fmt.Errorf("start worker %s: %w", key, err)
	}

	if c.closing.Load() {
		// Close gave up waiting for this call and may already have drained
		// the registry.
		c.stopOrphan(key, reply.WorkerID)
		return nil, fmt.Errorf("start worker %s: %w", key, ErrClosed)
	}

	reg := &worker.Registration{
		ID:        reply.WorkerID,
		Kind:      key.Kind,
		Domain:    key.Domain,
		TaskList:  key.TaskList,
		TypeName:  key.TypeName,
		Owner:     c.id,
		StartedAt: time.Now().UTC(),
	}
	if err := c.registry.Add(reg); err != nil {
		recordOp(opStart, err)
		return nil, fmt.Errorf("start worker %s: engine returned worker id %d: %w", key, reg.ID, err)
	}

	recordOp(opStart, nil)
	workersActive.WithLabelValues(string(kind)).Inc()
	c.publish(events.WorkerStarted, reg, nil)
	c.logger.Info("worker started", "worker_id", reg.ID, "worker", key.String())
	return reg, nil
}

func validateKey(k worker.Key) error {
	switch {
	case k.Kind != worker.KindWorkflow && k.Kind != worker.KindActivity:
		return fmt.Errorf("%w: unknown worker kind %q", ErrInvalidArgument, k.Kind)
	case k.Domain == "":
		return fmt.Errorf("%w: domain is required", ErrInvalidArgument)
	case k.TaskList == "":
		return fmt.Errorf("%w: task list is required", ErrInvalidArgument)
	case k.TypeName == "":
		return fmt.Errorf("%w: type name is required", ErrInvalidArgument)
	}
	return nil
}

// StopWorker stops a worker previously started on this Client. Stopping a
// registration that is no longer registered returns nil without contacting
// the proxy. The registration is removed locally before the round trip, so
// a failed stop is not retried by Close.
func (c *Client) StopWorker(ctx context.Context, reg *worker.Registration) error {
	if reg == nil {
		return fmt.Errorf("%w: nil registration", ErrInvalidArgument)
	}
	if reg.Owner != c.id {
		return fmt.Errorf("%w: worker %d belongs to another client", ErrInvalidOperation, reg.ID)
	}

	if err := c.guard.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("stop worker %d: %w", reg.ID, err)
	}
	defer c.guard.Release(1)

	removed, ok := c.registry.Remove(reg.ID)
	if !ok {
		return nil
	}
	workersActive.WithLabelValues(string(removed.Kind)).Dec()

	err := c.stopRemote(ctx, removed.ID)
	recordOp(opStop, err)
	if err != nil {
		return fmt.Errorf("stop worker %d: %w", removed.ID, err)
	}

	c.publish(events.WorkerStopped, removed, nil)
	c.logger.Info("worker stopped", "worker_id", removed.ID, "worker", removed.Key().String())
	return nil
}

func (c *Client) stopRemote(ctx context.Context, id int64) error {
	_, err := proxy.Invoke[*proxy.StopWorkerReply](ctx, c.corr, &proxy.StopWorkerRequest{WorkerID: id})
	return err
}

// reconcileLateWorker returns the late-reply hook for a NewWorker call. A
// worker the engine created after its caller gave up is stopped remotely
// and never enters the registry.
func (c *Client) reconcileLateWorker(key worker.Key) func(proxy.Frame) {
	return func(f proxy.Frame) {
		if f.Error != nil {
			c.logger.Debug("late worker start failed", "worker", key.String(), "kind", f.Error.Kind)
			return
		}
		reply, ok := f.Message.(*proxy.NewWorkerReply)
		if !ok {
			return
		}
		if _, ok := c.registry.Get(reply.WorkerID); ok {
			// A retry was already handed the same engine worker.
			return
		}

		c.logger.Warn("stopping worker started after its caller timed out", "worker_id", reply.WorkerID, "worker", key.String())
		c.stopOrphan(key, reply.WorkerID)
	}
}

// stopOrphan stops an engine worker that never entered the registry.
func (c *Client) stopOrphan(key worker.Key, id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.settings.ShutdownTimeout)
	defer cancel()

	err := c.stopRemote(ctx, id)
	recordOp(opOrphanStop, err)
	if err != nil {
		c.logger.Error("stop orphaned worker", "worker_id", id, "error", err)
	}
	c.publish(events.WorkerOrphanStopped, &worker.Registration{
		ID:       id,
		Kind:     key.Kind,
		Domain:   key.Domain,
		TaskList: key.TaskList,
		TypeName: key.TypeName,
		Owner:    c.id,
	}, err)
}

// Close stops every remaining worker and closes the connection. Stop
// failures are logged, not returned. Close is idempotent and always
// returns nil.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.stop)

		guardCtx, cancel := context.WithTimeout(context.Background(), c.settings.ShutdownTimeout)
		if err := c.guard.Acquire(guardCtx, 1); err != nil {
			c.logger.Warn("worker operations still in flight at shutdown", "error", err)
		} else {
			defer c.guard.Release(1)
		}
		cancel()

		ctx, cancel := context.WithTimeout(context.Background(), c.settings.ShutdownTimeout)
		defer cancel()

		for _, reg := range c.registry.Drain() {
			workersActive.WithLabelValues(string(reg.Kind)).Dec()
			err := c.stopRemote(ctx, reg.ID)
			recordOp(opShutdownStop, err)
			if err != nil {
				c.logger.Error("stop worker during shutdown", "worker_id", reg.ID, "worker", reg.Key().String(), "error", err)
				continue
			}
			c.publish(events.WorkerStopped, reg, nil)
		}

		c.corr.Close()
		<-c.corr.Done()
		c.wg.Wait()

		// A start that raced the drain without the guard.
		for _, reg := range c.registry.Drain() {
			workersActive.WithLabelValues(string(reg.Kind)).Dec()
			recordOp(opShutdownStop, ErrClosed)
			c.logger.Error("worker registered during shutdown was not stopped", "worker_id", reg.ID, "worker", reg.Key().String())
		}
		c.logger.Info("client closed")
	})
	return nil
}

// watch reports an unexpected connection loss.
func (c *Client) watch() {
	<-c.corr.Done()
	if c.closing.Load() {
		return
	}

	cause := c.Err()
	c.logger.Error("proxy connection lost", "error", cause, "workers", c.registry.Len())
	e := events.Event{Type: events.ConnectionLost, ClientID: c.id}
	if cause != nil {
		e.Error = cause.Error()
	}
	c.events.Publish(e)
}

// heartbeat pings the proxy every HeartbeatInterval and closes the
// connection after HeartbeatMaxFailures consecutive failures.
func (c *Client) heartbeat() {
	ticker := time.NewTicker(c.settings.HeartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-c.stop:
			return
		case <-c.corr.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.settings.HeartbeatInterval)
		_, err := proxy.Invoke[*proxy.HeartbeatReply](ctx, c.corr, &proxy.HeartbeatRequest{})
		cancel()

		if err == nil {
			failures = 0
			continue
		}
		if errors.Is(err, proxy.ErrConnectionLost) {
			return
		}

		failures++
		c.logger.Warn("proxy heartbeat failed", "failures", failures, "error", err)
		if failures >= c.settings.HeartbeatMaxFailures {
			c.corr.Conn().CloseWithError(fmt.Errorf("%w: %d consecutive failures", ErrUnresponsive, failures))
			return
		}
	}
}

func (c *Client) publish(t events.Type, reg *worker.Registration, err error) {
	e := events.Event{
		Type:     t,
		ClientID: c.id,
		WorkerID: reg.ID,
		Kind:     string(reg.Kind),
		Domain:   reg.Domain,
		TaskList: reg.TaskList,
		TypeName: reg.TypeName,
	}
	if err != nil {
		e.Error = err.Error()
	}
	c.events.Publish(e)
}
