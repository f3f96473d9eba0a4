package api

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/tasklink/client"
	"github.com/seantiz/tasklink/internal/emulator"
	"github.com/seantiz/tasklink/internal/events"
	"github.com/seantiz/tasklink/internal/store"
)

type testEnv struct {
	srv    *Server
	client *client.Client
	emu    *emulator.Emulator
	events *events.Broker
}

// newTestServer wires a status server to a client connected to an
// in-process emulator.
func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	emu := emulator.New(st, emulator.Options{Logger: logger})

	clientSide, proxySide := net.Pipe()
	served := make(chan struct{})
	go func() {
		defer close(served)
		emu.ServeConn(proxySide)
	}()

	broker := events.NewBroker()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.New(ctx, clientSide, client.Settings{DefaultDomain: "domainA", DefaultTaskList: "tasklistA"},
		client.WithLogger(logger), client.WithEvents(broker))
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}

	t.Cleanup(func() {
		c.Close()
		<-served
		broker.Close()
		st.Close()
	})

	return &testEnv{
		srv:    NewServer("127.0.0.1:0", c, broker, logger),
		client: c,
		emu:    emu,
		events: broker,
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestServer(t)
	env.srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	env := newTestServer(t)
	env.srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	env := newTestServer(t)

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/v1/workers", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /v1/workers: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestServeListenerShutdown(t *testing.T) {
	env := newTestServer(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- env.srv.ServeListener(ctx, l) }()

	url := "http://" + l.Addr().String()
	resp, err := http.Get(url + "/v1/events")
	if err != nil {
		t.Fatalf("GET /v1/events: %v", err)
	}
	defer resp.Body.Close()

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("ServeListener = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down with an open event stream")
	}
}
