package client

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/tasklink/internal/events"
	"github.com/seantiz/tasklink/internal/proxy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// handlerFunc answers one request. A nil message sends no reply.
type handlerFunc func(f proxy.Frame) (proxy.Message, *proxy.ErrorInfo)

// fakeProxy is a scripted proxy peer on the far end of a net.Pipe. Every
// request is handled on its own goroutine so handlers may block.
type fakeProxy struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	mu         sync.Mutex
	counts     map[proxy.MessageType]int
	requests   []proxy.Frame
	handlers   map[proxy.MessageType]handlerFunc
	nextWorker int64
}

func newFakeProxy(conn net.Conn) *fakeProxy {
	return &fakeProxy{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		counts:     make(map[proxy.MessageType]int),
		handlers:   make(map[proxy.MessageType]handlerFunc),
		nextWorker: 42,
	}
}

// handle overrides the reply for requests of type typ.
func (p *fakeProxy) handle(typ proxy.MessageType, fn handlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[typ] = fn
}

func (p *fakeProxy) count(typ proxy.MessageType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[typ]
}

// received returns the requests of type typ seen so far.
func (p *fakeProxy) received(typ proxy.MessageType) []proxy.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []proxy.Message
	for _, f := range p.requests {
		if f.Message.MessageType() == typ {
			out = append(out, f.Message)
		}
	}
	return out
}

func (p *fakeProxy) serve() {
	line, err := p.reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "HELLO tasklink/") {
		p.conn.Close()
		return
	}
	if _, err := io.WriteString(p.conn, "OK fake-proxy\n"); err != nil {
		return
	}

	for {
		f, err := proxy.ReadFrame(p.reader)
		if err != nil {
			return
		}

		p.mu.Lock()
		p.counts[f.Message.MessageType()]++
		p.requests = append(p.requests, f)
		fn := p.handlers[f.Message.MessageType()]
		p.mu.Unlock()

		if fn == nil {
			fn = p.defaultReply
		}
		go func() {
			msg, info := fn(f)
			if msg == nil {
				return
			}
			p.writeMu.Lock()
			defer p.writeMu.Unlock()
			proxy.WriteFrame(p.conn, proxy.Frame{ID: f.ID, Message: msg, Error: info})
		}()
	}
}

func (p *fakeProxy) defaultReply(f proxy.Frame) (proxy.Message, *proxy.ErrorInfo) {
	req, ok := f.Message.(proxy.Request)
	if !ok {
		return nil, nil
	}
	if _, ok := req.(*proxy.NewWorkerRequest); ok {
		p.mu.Lock()
		id := p.nextWorker
		p.nextWorker++
		p.mu.Unlock()
		return &proxy.NewWorkerReply{WorkerID: id}, nil
	}
	return proxy.NewReply(req), nil
}

// remoteError answers with an engine error of the given kind.
func remoteError(kind proxy.ErrorKind, msg string) handlerFunc {
	return func(f proxy.Frame) (proxy.Message, *proxy.ErrorInfo) {
		return proxy.NewReply(f.Message.(proxy.Request)), &proxy.ErrorInfo{Kind: kind, Message: msg}
	}
}

// noReply swallows requests.
func noReply(proxy.Frame) (proxy.Message, *proxy.ErrorInfo) {
	return nil, nil
}

type testEnv struct {
	client *Client
	proxy  *fakeProxy
	events *events.Broker
}

// newTestEnv connects a Client to a fake proxy. setup runs before the
// handshake so it can script replies to requests sent by New.
func newTestEnv(t *testing.T, settings Settings, setup func(*fakeProxy)) *testEnv {
	t.Helper()
	env, err := dialTestEnv(t, settings, setup)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return env
}

func dialTestEnv(t *testing.T, settings Settings, setup func(*fakeProxy)) (*testEnv, error) {
	t.Helper()
	clientSide, proxySide := net.Pipe()
	p := newFakeProxy(proxySide)
	if setup != nil {
		setup(p)
	}
	go p.serve()

	broker := events.NewBroker()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, clientSide, settings, WithLogger(discardLogger()), WithEvents(broker))
	if err != nil {
		proxySide.Close()
		return nil, err
	}

	t.Cleanup(func() {
		c.Close()
		proxySide.Close()
		broker.Close()
	})
	return &testEnv{client: c, proxy: p, events: broker}, nil
}

// waitEvent returns the first event of type typ from ch.
func waitEvent(t *testing.T, ch <-chan events.Event, typ events.Type) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("event stream closed before %s", typ)
			}
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event within 2s", typ)
		}
	}
}
