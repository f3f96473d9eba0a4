// Package emulator implements the proxy side of the wire protocol for local
// development and tests. Workers live in a store instead of a real engine.
package emulator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/tasklink/internal/model"
	"github.com/seantiz/tasklink/internal/proxy"
	"github.com/seantiz/tasklink/internal/store"
)

const defaultName = "tasklink-emulator"

var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tasklink_emulator_requests_total",
		Help: "Requests handled by the proxy emulator by type.",
	},
	[]string{"type"},
)

func init() {
	prometheus.MustRegister(requestsTotal)
}

// Options configures an Emulator.
type Options struct {
	// Name is announced in the handshake.
	Name   string
	Logger *slog.Logger
	// RequireConnect rejects worker operations with a connection error
	// until the session has sent a ConnectRequest.
	RequireConnect bool
	// Delay postpones every reply.
	Delay time.Duration
}

// Emulator answers client connections like an engine proxy would.
type Emulator struct {
	store  store.Store
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	counts   map[proxy.MessageType]int
	closed   bool

	wg sync.WaitGroup
}

type session struct {
	id     string
	conn   net.Conn
	reader *bufio.Reader
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	connected bool
}

// New creates an emulator backed by st.
func New(st store.Store, opts Options) *Emulator {
	if opts.Name == "" {
		opts.Name = defaultName
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Emulator{
		store:    st,
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*session),
		counts:   make(map[proxy.MessageType]int),
	}
}

// Serve accepts connections and handles each on its own goroutine. It
// blocks until the listener is closed, which is not reported as an error.
func (e *Emulator) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		e.wg.Go(func() { e.ServeConn(conn) })
	}
}

// ServeConn runs one client session on conn until either side closes it.
func (e *Emulator) ServeConn(conn net.Conn) {
	defer conn.Close()

	s := &session{
		id:     model.NewID(),
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
	s.logger = e.logger.With("session_id", s.id)

	if err := e.handshake(s); err != nil {
		s.logger.Warn("handshake failed", "error", err)
		return
	}
	if !e.register(s) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		conn.Close()
		inflight.Wait()
		e.unregister(s)
	}()

	for {
		f, err := proxy.ReadFrame(s.reader)
		if err != nil {
			if err == io.EOF {
				s.logger.Info("client disconnected")
			} else {
				s.logger.Warn("read from client failed", "error", err)
			}
			return
		}

		req, ok := f.Message.(proxy.Request)
		if !ok {
			s.logger.Warn("ignoring non-request frame", "type", f.Message.MessageType(), "id", f.ID)
			continue
		}
		e.count(req.MessageType())

		inflight.Go(func() { e.respond(ctx, s, f.ID, req) })
	}
}

// handshake expects "HELLO tasklink/<version>" and answers "OK <name>".
func (e *Emulator) handshake(s *session) error {
	if err := s.conn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read HELLO: %w", err)
	}

	want := fmt.Sprintf("HELLO tasklink/%d", proxy.ProtocolVersion)
	if strings.TrimSpace(line) != want {
		io.WriteString(s.conn, "ERR unsupported hello\n")
		return fmt.Errorf("unexpected hello %q", strings.TrimSpace(line))
	}
	if _, err := io.WriteString(s.conn, "OK "+e.opts.Name+"\n"); err != nil {
		return fmt.Errorf("write OK: %w", err)
	}
	return s.conn.SetDeadline(time.Time{})
}

func (e *Emulator) register(s *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.sessions[s.id] = s
	s.logger.Info("client connected", "remote_addr", addrString(s.conn.RemoteAddr()))
	return true
}

// unregister drops the session and the workers it created.
func (e *Emulator) unregister(s *session) {
	e.mu.Lock()
	delete(e.sessions, s.id)
	e.mu.Unlock()

	n, err := e.store.DeleteSession(context.Background(), s.id)
	if err != nil {
		s.logger.Error("remove session workers", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("removed workers of closed session", "count", n)
	}
}

func (e *Emulator) respond(ctx context.Context, s *session, id uint64, req proxy.Request) {
	if e.opts.Delay > 0 {
		select {
		case <-time.After(e.opts.Delay):
		case <-ctx.Done():
			return
		}
	}

	reply, info := e.dispatch(ctx, s, req)
	if info != nil {
		s.logger.Debug("request failed", "type", req.MessageType(), "id", id, "kind", info.Kind, "message", info.Message)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := proxy.WriteFrame(s.conn, proxy.Frame{ID: id, Message: reply, Error: info}); err != nil {
		s.logger.Debug("write reply", "type", reply.MessageType(), "id", id, "error", err)
	}
}

func (e *Emulator) dispatch(ctx context.Context, s *session, req proxy.Request) (proxy.Reply, *proxy.ErrorInfo) {
	switch r := req.(type) {
	case *proxy.PingRequest:
		return &proxy.PingReply{}, nil
	case *proxy.HeartbeatRequest:
		return &proxy.HeartbeatReply{}, nil
	case *proxy.ConnectRequest:
		return e.connect(s, r)
	case *proxy.NewWorkerRequest:
		return e.newWorker(ctx, s, r)
	case *proxy.StopWorkerRequest:
		return e.stopWorker(ctx, s, r)
	default:
		return proxy.NewReply(req), failure(proxy.KindGeneric, "unsupported request %s", req.MessageType())
	}
}

func (e *Emulator) connect(s *session, r *proxy.ConnectRequest) (proxy.Reply, *proxy.ErrorInfo) {
	if len(r.Endpoints) == 0 {
		return &proxy.ConnectReply{}, failure(proxy.KindCustom, "at least one endpoint is required")
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.logger.Info("engine connection established", "endpoints", r.Endpoints, "domain", r.Domain, "identity", r.Identity)
	return &proxy.ConnectReply{}, nil
}

func (e *Emulator) newWorker(ctx context.Context, s *session, r *proxy.NewWorkerRequest) (proxy.Reply, *proxy.ErrorInfo) {
	reply := &proxy.NewWorkerReply{}
	if info := e.requireConnect(s); info != nil {
		return reply, info
	}
	if r.Name == "" || r.Domain == "" || r.TaskList == "" {
		return reply, failure(proxy.KindCustom, "name, domain and task list are required")
	}

	w := &model.Worker{
		SessionID:  s.id,
		Name:       r.Name,
		IsWorkflow: r.IsWorkflow,
		Domain:     r.Domain,
		TaskList:   r.TaskList,
		Options:    r.Options,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateWorker(ctx, w); err != nil {
		s.logger.Error("create worker", "error", err)
		return reply, failure(proxy.KindGeneric, "create worker: %v", err)
	}

	s.logger.Info("worker registered", "worker_id", w.ID, "name", w.Name, "workflow", w.IsWorkflow, "domain", w.Domain, "task_list", w.TaskList)
	reply.WorkerID = w.ID
	return reply, nil
}

func (e *Emulator) stopWorker(ctx context.Context, s *session, r *proxy.StopWorkerRequest) (proxy.Reply, *proxy.ErrorInfo) {
	reply := &proxy.StopWorkerReply{}
	if info := e.requireConnect(s); info != nil {
		return reply, info
	}

	w, err := e.store.GetWorker(ctx, r.WorkerID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && w.SessionID != s.id) {
		return reply, failure(proxy.KindEntityNotExists, "worker %d does not exist", r.WorkerID)
	}
	if err != nil {
		s.logger.Error("get worker", "worker_id", r.WorkerID, "error", err)
		return reply, failure(proxy.KindGeneric, "get worker: %v", err)
	}

	if err := e.store.DeleteWorker(ctx, r.WorkerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return reply, failure(proxy.KindEntityNotExists, "worker %d does not exist", r.WorkerID)
		}
		s.logger.Error("delete worker", "worker_id", r.WorkerID, "error", err)
		return reply, failure(proxy.KindGeneric, "delete worker: %v", err)
	}

	s.logger.Info("worker stopped", "worker_id", r.WorkerID)
	return reply, nil
}

func (e *Emulator) requireConnect(s *session) *proxy.ErrorInfo {
	if !e.opts.RequireConnect {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return failure(proxy.KindConnection, "not connected to the engine; send a ConnectRequest first")
	}
	return nil
}

func failure(kind proxy.ErrorKind, format string, args ...any) *proxy.ErrorInfo {
	return &proxy.ErrorInfo{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Emulator) count(t proxy.MessageType) {
	requestsTotal.WithLabelValues(string(t)).Inc()
	e.mu.Lock()
	e.counts[t]++
	e.mu.Unlock()
}

// Requests returns how many requests of type t have been received.
func (e *Emulator) Requests(t proxy.MessageType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[t]
}

// Sessions returns the number of connected clients.
func (e *Emulator) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Close disconnects every client and waits for their sessions to end. The
// listener passed to Serve is not closed.
func (e *Emulator) Close() error {
	e.mu.Lock()
	e.closed = true
	for _, s := range e.sessions {
		s.conn.Close()
	}
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
