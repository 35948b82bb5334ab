package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/taskd/internal/config"
	"github.com/seantiz/taskd/internal/model"
	"github.com/seantiz/taskd/internal/worker"
)

// TestHelperProcess is the worker body when the test binary is launched by
// the supervisor.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("TASKD_HELPER_PROCESS") != "1" {
		return
	}
	cfg, err := worker.ConfigFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	if err := worker.Run(context.Background(), cfg, worker.Sleep(cfg.WorkDuration), logger); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("TASKD_HELPER_PROCESS", "1")

	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.PollInterval = 20 * time.Millisecond
	cfg.StatusInterval = 20 * time.Millisecond
	cfg.RateLimitMax = 1000
	cfg.MaxWorkers = 2
	cfg.GracePeriod = 200 * time.Millisecond
	cfg.TaskRetention = time.Hour
	cfg.WorkDuration = 50 * time.Millisecond
	cfg.WorkerCommand = os.Args[0] + " -test.run=^TestHelperProcess$"
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// startApp runs the app in the background and returns its base URL.
func startApp(t *testing.T, cfg config.Config) (*App, string) {
	t.Helper()

	a, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, func(addr net.Addr) { ready <- addr }) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("Run() did not return after cancel")
		}
	})

	select {
	case addr := <-ready:
		return a, "http://" + addr.String()
	case err := <-done:
		t.Fatalf("Run() returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}
	return nil, ""
}

func listTasks(t *testing.T, base string) map[string]struct {
	Status model.Status `json:"status"`
} {
	t.Helper()
	resp, err := http.Get(base + "/tasks/list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]struct {
		Status model.Status `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	return out
}

func waitForStatus(t *testing.T, base, id string, want model.Status) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := listTasks(t, base)[id]; ok && got.Status == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s; last list %v", id, want, listTasks(t, base))
}

func TestAppRunsTaskToCompletion(t *testing.T) {
	_, base := startApp(t, testConfig(t))

	resp, err := http.Post(base+"/tasks/start/job-1", "application/json", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, want 200", resp.StatusCode)
	}

	waitForStatus(t, base, "job-1", model.StatusCompleted)
}

func TestAppStopRunningTask(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkDuration = time.Minute
	a, base := startApp(t, cfg)

	resp, err := http.Post(base+"/tasks/start/long", "application/json", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resp.Body.Close()
	waitForStatus(t, base, "long", model.StatusRunning)

	resp, err = http.Post(base+"/tasks/stop/long", "application/json", nil)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", resp.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for a.supervisor.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker was not reaped after stop")
		}
		time.Sleep(20 * time.Millisecond)
	}
	waitForStatus(t, base, "long", model.StatusCancelled)
}

func TestAppShutdownRemovesSocketDir(t *testing.T) {
	a, err := New(testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	dir := a.socketDir
	if dir == "" {
		t.Fatal("expected a temporary socket dir")
	}
	if _, err := os.Stat(filepath.Join(dir, "store.sock")); err != nil {
		t.Fatalf("socket not created: %v", err)
	}

	a.Start(context.Background())
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("socket dir still present: %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
	}{
		{"unknown id scheme", func(c *config.Config) { c.IDScheme = "serial" }},
		{"unknown workload", func(c *config.Config) { c.MaxWorkers = 0; c.WorkloadType = "gpu" }},
		{"unterminated quote", func(c *config.Config) { c.WorkerCommand = `worker "oops` }},
		{"bad store dsn", func(c *config.Config) { c.StoreDSN = filepath.Join(t.TempDir(), "missing", "tasks.db") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.modify(&cfg)
			if _, err := New(cfg, testLogger()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestWorkerCommand(t *testing.T) {
	cmdFn, err := WorkerCommand(`/usr/bin/env "TASKD X" run`)
	if err != nil {
		t.Fatalf("WorkerCommand() error: %v", err)
	}
	cmd, err := cmdFn(context.Background(), "id")
	if err != nil {
		t.Fatalf("command error: %v", err)
	}
	want := []string{"/usr/bin/env", "TASKD X", "run"}
	if len(cmd.Args) != len(want) {
		t.Fatalf("Args = %q, want %q", cmd.Args, want)
	}
	for i := range want {
		if cmd.Args[i] != want[i] {
			t.Errorf("Args[%d] = %q, want %q", i, cmd.Args[i], want[i])
		}
	}

	cmdFn, err = WorkerCommand("")
	if err != nil {
		t.Fatalf("WorkerCommand(\"\") error: %v", err)
	}
	cmd, _ = cmdFn(context.Background(), "id")
	if got := cmd.Args[len(cmd.Args)-1]; got != "worker" {
		t.Errorf("default command last arg = %q, want worker", got)
	}

	if _, err := WorkerCommand("   "); err == nil {
		t.Error("expected error for blank command")
	}
}
