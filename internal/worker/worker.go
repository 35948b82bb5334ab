// Package worker is the runtime executed inside each worker process. It
// connects back to the server's task store, runs the task body and reports
// the terminal status itself.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/seantiz/taskd/internal/ipc"
	"github.com/seantiz/taskd/internal/model"
)

// Environment passed from the supervisor to each worker process.
const (
	EnvTaskID       = "TASKD_TASK_ID"
	EnvStoreSocket  = "TASKD_STORE_SOCKET"
	EnvWorkDuration = "TASKD_WORK_DURATION"
)

// DefaultWorkDuration is how long the placeholder task body runs.
const DefaultWorkDuration = 15 * time.Second

// storeTimeout bounds each call to the server's store.
const storeTimeout = 5 * time.Second

// Config holds the worker's parameters.
type Config struct {
	TaskID       string
	StoreSocket  string
	WorkDuration time.Duration
}

// ConfigFromEnv reads the worker configuration set by the supervisor.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		TaskID:       os.Getenv(EnvTaskID),
		StoreSocket:  os.Getenv(EnvStoreSocket),
		WorkDuration: DefaultWorkDuration,
	}
	if cfg.TaskID == "" {
		return Config{}, fmt.Errorf("%s is not set", EnvTaskID)
	}
	if cfg.StoreSocket == "" {
		return Config{}, fmt.Errorf("%s is not set", EnvStoreSocket)
	}
	if v := os.Getenv(EnvWorkDuration); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, fmt.Errorf("invalid %s %q", EnvWorkDuration, v)
		}
		cfg.WorkDuration = d
	}
	return cfg, nil
}

// Work is a task body. It must return promptly once ctx is cancelled.
type Work func(ctx context.Context, taskID string) error

// Sleep returns a Work that waits for d.
func Sleep(d time.Duration) Work {
	return func(ctx context.Context, _ string) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run executes work for cfg.TaskID and records completed or failed in the
// store. A task that is no longer running when the worker starts is left
// alone. If ctx is cancelled mid-run (the supervisor sent SIGTERM) nothing
// is reported; the status the server already holds stands.
func Run(ctx context.Context, cfg Config, work Work, logger *slog.Logger) error {
	logger = logger.With("task_id", cfg.TaskID, "pid", os.Getpid())

	client, err := ipc.Dial(ctx, cfg.StoreSocket)
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}
	defer client.Close()

	t, ok, err := get(ctx, client, cfg.TaskID)
	if err != nil {
		return fmt.Errorf("read task: %w", err)
	}
	if !ok || t.Status != model.StatusRunning {
		logger.Info("task not running, nothing to do", "status", t.Status)
		return nil
	}

	start := time.Now()
	workErr := work(ctx, cfg.TaskID)
	logger.Info("task body finished",
		"duration_ms", time.Since(start).Milliseconds(),
		"error", workErr,
	)

	if ctx.Err() != nil && errors.Is(workErr, ctx.Err()) {
		logger.Info("task interrupted")
		return nil
	}

	status := model.StatusCompleted
	if workErr != nil {
		status = model.StatusFailed
	}

	// The report must go out even if shutdown begins right now.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	applied, err := client.UpdateTask(reportCtx, cfg.TaskID, status)
	if err != nil {
		return fmt.Errorf("report %s: %w", status, err)
	}
	if !applied {
		logger.Info("status report not applied", "status", status)
		return nil
	}
	logger.Info("task finished", "status", status)
	return nil
}

func get(ctx context.Context, c *ipc.Client, id string) (model.Task, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return c.GetTask(ctx, id)
}
