package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/taskd/internal/model"
	"github.com/seantiz/taskd/internal/worker"
)

// DefaultGrace is how long a worker gets to exit after each signal.
const DefaultGrace = 3 * time.Second

var (
	// ErrAtCapacity is returned by Spawn when every worker slot is taken.
	ErrAtCapacity = errors.New("worker pool at capacity")

	// ErrAlreadyRunning is returned by Spawn when a worker for the task is still tracked.
	ErrAlreadyRunning = errors.New("worker already running for task")
)

// CommandFunc builds the (unstarted) worker command for a task.
type CommandFunc func(ctx context.Context, taskID string) (*exec.Cmd, error)

// Tasks is the subset of the task manager the engine depends on.
type Tasks interface {
	GetTask(ctx context.Context, id string) (model.Task, bool)
	UpdateTask(ctx context.Context, id string, status model.Status) bool
	RemoveExpired(ctx context.Context, before time.Time) []string
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	MaxWorkers int
	// Grace bounds each wait after SIGTERM and again after SIGKILL.
	Grace time.Duration
	// StoreSocket is passed to workers so they can report their status.
	StoreSocket string
	// Env is appended to every worker's environment.
	Env []string
	// Stdout and Stderr receive worker output when the command leaves them unset.
	Stdout io.Writer
	Stderr io.Writer
}

// ReapResult lists the task IDs whose workers were reclaimed in one pass.
type ReapResult struct {
	// Exited workers finished on their own.
	Exited []string
	// Failed workers exited while their task was still running.
	Failed []string
	// Terminated workers stopped after SIGTERM.
	Terminated []string
	// Killed workers needed SIGKILL.
	Killed []string
}

// Total returns the number of reclaimed workers.
func (r ReapResult) Total() int {
	return len(r.Exited) + len(r.Failed) + len(r.Terminated) + len(r.Killed)
}

type workerHandle struct {
	taskID  string
	cmd     *exec.Cmd
	started time.Time
	done    chan struct{}
	waitErr error // valid once done is closed
}

func (h *workerHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Supervisor owns the worker processes. It never holds more than
// MaxWorkers handles, and a handle is dropped only after its process has
// exited and been waited on.
type Supervisor struct {
	cfg     SupervisorConfig
	tasks   Tasks
	command CommandFunc
	logger  *slog.Logger

	mu      sync.Mutex
	workers map[string]*workerHandle

	freed chan struct{}
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg SupervisorConfig, tasks Tasks, command CommandFunc, logger *slog.Logger) *Supervisor {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	return &Supervisor{
		cfg:     cfg,
		tasks:   tasks,
		command: command,
		logger:  logger,
		workers: make(map[string]*workerHandle),
		freed:   make(chan struct{}, 1),
	}
}

// Max returns the worker cap.
func (s *Supervisor) Max() int {
	return s.cfg.MaxWorkers
}

// Len returns the number of tracked worker handles.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Freed is signalled whenever a worker process exits.
func (s *Supervisor) Freed() <-chan struct{} {
	return s.freed
}

func (s *Supervisor) signalFreed() {
	select {
	case s.freed <- struct{}{}:
	default:
	}
}

// Spawn starts a worker process for taskID.
func (s *Supervisor) Spawn(ctx context.Context, taskID string) error {
	cmd, err := s.command(ctx, taskID)
	if err != nil {
		return fmt.Errorf("build worker command: %w", err)
	}

	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, s.cfg.Env...)
	cmd.Env = append(cmd.Env,
		worker.EnvTaskID+"="+taskID,
		worker.EnvStoreSocket+"="+s.cfg.StoreSocket,
	)
	if cmd.Stdout == nil {
		cmd.Stdout = s.cfg.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = s.cfg.Stderr
	}
	// Own process group so a terminal interrupt reaches only the server,
	// which then shuts workers down in order.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[taskID]; ok {
		return ErrAlreadyRunning
	}
	if len(s.workers) >= s.cfg.MaxWorkers {
		return ErrAtCapacity
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	h := &workerHandle{
		taskID:  taskID,
		cmd:     cmd,
		started: time.Now().UTC(),
		done:    make(chan struct{}),
	}
	s.workers[taskID] = h
	workersActive.Set(float64(len(s.workers)))
	workersSpawned.Inc()

	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
		s.signalFreed()
	}()

	s.logger.Info("worker started", "task_id", taskID, "pid", cmd.Process.Pid)
	return nil
}

// Reap reclaims workers. Exited processes are collected; a task still
// marked running at that point is failed. Live processes whose task is
// terminal or gone are stopped with SIGTERM, then SIGKILL after the grace
// period. Terminations run concurrently, so a pass takes at most about two
// grace periods.
func (s *Supervisor) Reap(ctx context.Context) ReapResult {
	var (
		result    ReapResult
		resultMu  sync.Mutex
		stop      []*workerHandle
		reclaimed []string
	)

	for _, h := range s.snapshot() {
		if h.exited() {
			if s.collect(ctx, h) {
				result.Failed = append(result.Failed, h.taskID)
			} else {
				result.Exited = append(result.Exited, h.taskID)
			}
			reclaimed = append(reclaimed, h.taskID)
			continue
		}

		t, ok := s.tasks.GetTask(ctx, h.taskID)
		if !ok || t.Status.Terminal() {
			stop = append(stop, h)
		}
	}

	var g errgroup.Group
	for _, h := range stop {
		g.Go(func() error {
			outcome, ok := s.terminate(ctx, h)
			if !ok {
				return nil
			}
			s.logExit(h, outcome)

			resultMu.Lock()
			defer resultMu.Unlock()
			if outcome == outcomeKilled {
				result.Killed = append(result.Killed, h.taskID)
			} else {
				result.Terminated = append(result.Terminated, h.taskID)
			}
			reclaimed = append(reclaimed, h.taskID)
			return nil
		})
	}
	g.Wait()

	s.remove(reclaimed)

	workersReaped.WithLabelValues(outcomeExited).Add(float64(len(result.Exited)))
	workersReaped.WithLabelValues(outcomeFailed).Add(float64(len(result.Failed)))
	workersReaped.WithLabelValues(outcomeTerminated).Add(float64(len(result.Terminated)))
	workersReaped.WithLabelValues(outcomeKilled).Add(float64(len(result.Killed)))
	return result
}

// collect records the outcome of a worker that exited on its own. It
// reports whether the task had to be marked failed.
func (s *Supervisor) collect(ctx context.Context, h *workerHandle) bool {
	code := h.cmd.ProcessState.ExitCode()

	t, ok := s.tasks.GetTask(ctx, h.taskID)
	if ok && t.Status == model.StatusRunning {
		s.tasks.UpdateTask(ctx, h.taskID, model.StatusFailed)
		s.logger.Warn("worker exited without reporting",
			"task_id", h.taskID, "pid", h.cmd.Process.Pid, "exit_code", code, "error", h.waitErr)
		return true
	}

	if ok && t.Status == model.StatusCompleted && code != 0 {
		s.logger.Warn("worker reported completion but exited with error",
			"task_id", h.taskID, "pid", h.cmd.Process.Pid, "exit_code", code)
	}
	s.logExit(h, outcomeExited)
	return false
}

// terminate stops a live worker. The bool is false if the process is still
// alive after SIGKILL and the grace period; its handle is then kept for the
// next pass.
func (s *Supervisor) terminate(ctx context.Context, h *workerHandle) (string, bool) {
	pid := h.cmd.Process.Pid

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("failed to signal worker", "task_id", h.taskID, "pid", pid, "signal", "SIGTERM", "error", err)
	}

	timer := time.NewTimer(s.cfg.Grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return outcomeTerminated, true
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("failed to signal worker", "task_id", h.taskID, "pid", pid, "signal", "SIGKILL", "error", err)
	}

	timer.Reset(s.cfg.Grace)
	select {
	case <-h.done:
		return outcomeKilled, true
	case <-timer.C:
		s.logger.Error("worker still alive after SIGKILL", "task_id", h.taskID, "pid", pid)
		return "", false
	}
}

func (s *Supervisor) logExit(h *workerHandle, outcome string) {
	s.logger.Info("worker reaped",
		"task_id", h.taskID,
		"pid", h.cmd.Process.Pid,
		"outcome", outcome,
		"exit_code", h.cmd.ProcessState.ExitCode(),
		"runtime_ms", time.Since(h.started).Milliseconds(),
	)
}

func (s *Supervisor) snapshot() []*workerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := make([]*workerHandle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	return handles
}

func (s *Supervisor) remove(ids []string) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	for _, id := range ids {
		delete(s.workers, id)
	}
	n := len(s.workers)
	s.mu.Unlock()
	workersActive.Set(float64(n))
}

// Workers returns the live handles with per-process resource usage. Stats
// are left zero for processes that exit while being sampled.
func (s *Supervisor) Workers(ctx context.Context) []model.WorkerInfo {
	handles := s.snapshot()
	infos := make([]model.WorkerInfo, 0, len(handles))
	for _, h := range handles {
		info := model.WorkerInfo{
			TaskID:    h.taskID,
			PID:       h.cmd.Process.Pid,
			StartedAt: h.started,
			Exited:    h.exited(),
		}
		if !info.Exited {
			if p, err := process.NewProcessWithContext(ctx, int32(info.PID)); err == nil {
				if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
					info.RSSBytes = mem.RSS
				}
				if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
					info.CPUPercent = cpu
				}
			}
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TaskID < infos[j].TaskID })
	return infos
}

// Shutdown stops every live worker and reclaims all handles. It returns
// the number of workers that had to be stopped.
func (s *Supervisor) Shutdown(ctx context.Context) int {
	handles := s.snapshot()

	var (
		g        errgroup.Group
		mu       sync.Mutex
		stopped  int
		released []string
	)
	for _, h := range handles {
		g.Go(func() error {
			if h.exited() {
				mu.Lock()
				released = append(released, h.taskID)
				mu.Unlock()
				return nil
			}
			outcome, ok := s.terminate(ctx, h)
			if !ok {
				return nil
			}
			s.logExit(h, outcome)
			mu.Lock()
			stopped++
			released = append(released, h.taskID)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	s.remove(released)

	if stopped > 0 {
		s.logger.Info("stopped workers on shutdown", "count", stopped)
	}
	return stopped
}
