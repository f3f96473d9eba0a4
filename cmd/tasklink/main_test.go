package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

var (
	binDir    string
	buildOnce sync.Once
	buildErr  error
)

// buildBinaries compiles tasklink and tasklink-emulator once per test run.
func buildBinaries(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "tasklink-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		for _, name := range []string{"tasklink", "tasklink-emulator"} {
			cmd := exec.Command("go", "build", "-o", filepath.Join(dir, name), "../"+name)
			out, err := cmd.CombinedOutput()
			if err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", name, err, out)
				return
			}
		}
		binDir = dir
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return binDir
}

func start(t *testing.T, binary string, env ...string) (*exec.Cmd, *lockedBuffer) {
	t.Helper()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start %s: %v", binary, err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return cmd, stdout
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

func TestBinaryStartsConfiguredWorkers(t *testing.T) {
	if testing.Short() {
		t.Skip("builds and runs binaries")
	}
	dir := buildBinaries(t)

	// Unix socket paths are length limited; t.TempDir can exceed it.
	sockDir, err := os.MkdirTemp("", "tl")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(sockDir) })
	target := "unix://" + filepath.Join(sockDir, "proxy.sock")

	_, emuOut := start(t, filepath.Join(dir, "tasklink-emulator"),
		"TASKLINK_EMULATOR_LISTEN="+target,
		"TASKLINK_EMULATOR_DB="+filepath.Join(t.TempDir(), "emulator.db"),
	)

	configFile := filepath.Join(t.TempDir(), "tasklink.yaml")
	config := `
workers:
  - kind: workflow
    type: orders.Fulfil
  - kind: activity
    type: orders.Charge
    options:
      max_concurrent_activity_execution_size: 4
`
	if err := os.WriteFile(configFile, []byte(config), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	addr := freeAddr(t)
	cmd, out := start(t, filepath.Join(dir, "tasklink"),
		"TASKLINK_PROXY_TARGET="+target,
		"TASKLINK_STATUS_ADDR="+addr,
		"TASKLINK_CONFIG_FILE="+configFile,
		"TASKLINK_DEFAULT_DOMAIN=domainA",
		"TASKLINK_DEFAULT_TASKLIST=tasklistA",
	)

	url := "http://" + addr
	deadline := time.Now().Add(startupTimeout)
	ready := false
	for time.Now().Before(deadline) {
		resp, err := http.Get(url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(pollInterval)
	}
	if !ready {
		t.Fatalf("tasklink did not become ready within %v\ntasklink:\n%s\nemulator:\n%s",
			startupTimeout, out.String(), emuOut.String())
	}

	resp, err := http.Get(url + "/v1/workers")
	if err != nil {
		t.Fatalf("GET /v1/workers: %v", err)
	}
	var body struct {
		Total   int `json:"total"`
		Workers []struct {
			Kind     string `json:"kind"`
			Domain   string `json:"domain"`
			TaskList string `json:"task_list"`
		} `json:"workers"`
	}
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode workers: %v", err)
	}
	if body.Total != 2 {
		t.Fatalf("total = %d, want 2\n%s", body.Total, out.String())
	}
	for _, w := range body.Workers {
		if w.Domain != "domainA" || w.TaskList != "tasklistA" {
			t.Errorf("worker %+v did not pick up the default domain and task list", w)
		}
	}

	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		t.Fatalf("signal tasklink: %v", err)
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	select {
	case err := <-exited:
		if err != nil {
			t.Errorf("tasklink exited with %v\n%s", err, out.String())
		}
	case <-time.After(startupTimeout):
		t.Fatalf("tasklink did not exit after SIGINT\n%s", out.String())
	}
}
