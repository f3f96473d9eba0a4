package emulator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/tasklink/client"
	"github.com/seantiz/tasklink/internal/emulator"
	"github.com/seantiz/tasklink/internal/events"
	"github.com/seantiz/tasklink/internal/proxy"
	"github.com/seantiz/tasklink/internal/store"
)

type harness struct {
	emu    *emulator.Emulator
	store  *store.SQLiteStore
	client *client.Client
	events *events.Broker
}

func newHarness(t *testing.T, settings client.Settings, opts emulator.Options) *harness {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	opts.Logger = logger
	emu := emulator.New(st, opts)

	clientSide, proxySide := net.Pipe()
	served := make(chan struct{})
	go func() {
		defer close(served)
		emu.ServeConn(proxySide)
	}()

	broker := events.NewBroker()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.New(ctx, clientSide, settings, client.WithLogger(logger), client.WithEvents(broker))
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}

	t.Cleanup(func() {
		c.Close()
		<-served
		broker.Close()
		st.Close()
	})
	return &harness{emu: emu, store: st, client: c, events: broker}
}

func (h *harness) engineWorkers(t *testing.T) int {
	t.Helper()
	workers, err := h.store.ListWorkers(context.Background(), "")
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	return len(workers)
}

func TestWorkerLifecycleAgainstEmulator(t *testing.T) {
	h := newHarness(t, client.Settings{
		Endpoints:       []string{"engine:7933"},
		DefaultDomain:   "payments",
		DefaultTaskList: "main",
	}, emulator.Options{RequireConnect: true})
	ctx := context.Background()

	if err := h.client.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	wf, err := h.client.StartWorkflowWorker(ctx, "", "", "orders.Fulfil", nil)
	if err != nil {
		t.Fatalf("StartWorkflowWorker: %v", err)
	}
	act, err := h.client.StartActivityWorker(ctx, "", "", "orders.Charge", nil)
	if err != nil {
		t.Fatalf("StartActivityWorker: %v", err)
	}
	if wf.ID == act.ID {
		t.Fatalf("workflow and activity share worker id %d", wf.ID)
	}
	if n := h.engineWorkers(t); n != 2 {
		t.Errorf("engine workers = %d, want 2", n)
	}

	if err := h.client.StopWorker(ctx, wf); err != nil {
		t.Fatalf("StopWorker: %v", err)
	}
	if err := h.client.StopWorker(ctx, wf); err != nil {
		t.Fatalf("second StopWorker: %v", err)
	}
	if n := h.emu.Requests(proxy.TypeStopWorkerRequest); n != 1 {
		t.Errorf("StopWorker requests = %d, want 1", n)
	}

	h.client.Close()
	if n := h.engineWorkers(t); n != 0 {
		t.Errorf("engine workers after Close = %d, want 0", n)
	}
}

func TestConcurrentStartsAgainstEmulator(t *testing.T) {
	h := newHarness(t, client.Settings{}, emulator.Options{Delay: 20 * time.Millisecond})

	const callers = 5
	ids := make(chan int64, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Go(func() {
			reg, err := h.client.StartWorkflowWorker(context.Background(), "domainA", "tasklistA", "Foo", nil)
			if err != nil {
				t.Errorf("start: %v", err)
				return
			}
			ids <- reg.ID
		})
	}
	wg.Wait()
	close(ids)

	var first int64
	for id := range ids {
		if first == 0 {
			first = id
		}
		if id != first {
			t.Errorf("callers got different worker ids %d and %d", first, id)
		}
	}
	if n := h.emu.Requests(proxy.TypeNewWorkerRequest); n != 1 {
		t.Errorf("NewWorker requests = %d, want 1", n)
	}
}

func TestTimedOutStartIsReconciled(t *testing.T) {
	h := newHarness(t, client.Settings{}, emulator.Options{Delay: 100 * time.Millisecond})
	orphans, unsub := h.events.Subscribe(events.WorkerOrphanStopped)
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.client.StartWorkflowWorker(ctx, "domainA", "tasklistA", "Foo", nil); !errors.Is(err, client.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	select {
	case e := <-orphans:
		if e.Error != "" {
			t.Fatalf("orphan stop failed: %s", e.Error)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("late worker was not stopped")
	}

	if n := h.engineWorkers(t); n != 0 {
		t.Errorf("engine workers = %d, want 0 after reconciliation", n)
	}
	if len(h.client.Workers()) != 0 {
		t.Errorf("client registry = %v, want empty", h.client.Workers())
	}
}

func TestStartWithoutConnectRejected(t *testing.T) {
	h := newHarness(t, client.Settings{}, emulator.Options{RequireConnect: true})

	_, err := h.client.StartActivityWorker(context.Background(), "domainA", "tasklistA", "Foo", nil)
	if !client.IsRemoteKind(err, client.KindConnection) {
		t.Fatalf("err = %v, want connection error", err)
	}
	if len(h.client.Workers()) != 0 {
		t.Errorf("registry = %v, want empty", h.client.Workers())
	}
}
