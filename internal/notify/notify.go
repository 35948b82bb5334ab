// Package notify streams a task's status to a subscriber by polling the
// task manager at a fixed interval until the task reaches a terminal state.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/taskd/internal/model"
)

// DefaultInterval is the polling period used when none is configured.
const DefaultInterval = time.Second

// Close is the reason a stream ended.
type Close int

// Stream close reasons.
const (
	CloseNormal Close = iota
	CloseNotFound
	CloseInternalError
	CloseGoingAway
)

func (c Close) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseNotFound:
		return "task not found"
	case CloseInternalError:
		return "task failed"
	case CloseGoingAway:
		return "going away"
	default:
		return fmt.Sprintf("close(%d)", int(c))
	}
}

// Update is one emitted status.
type Update struct {
	TaskID string       `json:"task_id"`
	Status model.Status `json:"status"`
}

// Sink receives updates for one subscriber.
type Sink interface {
	Send(ctx context.Context, u Update) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, u Update) error

// Send calls f(ctx, u).
func (f SinkFunc) Send(ctx context.Context, u Update) error {
	return f(ctx, u)
}

// TaskReader is the read side of the task manager.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (model.Task, bool)
}

// Notifier runs status streams.
type Notifier struct {
	tasks    TaskReader
	interval time.Duration
	logger   *slog.Logger
}

// New creates a Notifier polling every interval.
func New(tasks TaskReader, interval time.Duration, logger *slog.Logger) *Notifier {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Notifier{tasks: tasks, interval: interval, logger: logger}
}

// Exists reports whether id is currently tracked.
func (n *Notifier) Exists(ctx context.Context, id string) bool {
	_, ok := n.tasks.GetTask(ctx, id)
	return ok
}

// Stream emits the status of id to sink every interval. A terminal status
// is always emitted once before the stream ends. The error is non-nil only
// when sink fails.
func (n *Notifier) Stream(ctx context.Context, id string, sink Sink) (Close, error) {
	t, ok := n.tasks.GetTask(ctx, id)
	if !ok {
		return CloseNotFound, nil
	}

	timer := time.NewTimer(n.interval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return CloseGoingAway, nil
		}

		if err := sink.Send(ctx, Update{TaskID: id, Status: t.Status}); err != nil {
			return CloseGoingAway, fmt.Errorf("send status: %w", err)
		}

		switch t.Status {
		case model.StatusFailed:
			return CloseInternalError, nil
		case model.StatusCompleted, model.StatusCancelled:
			return CloseNormal, nil
		}

		timer.Reset(n.interval)
		select {
		case <-ctx.Done():
			return CloseGoingAway, nil
		case <-timer.C:
		}

		t, ok = n.tasks.GetTask(ctx, id)
		if !ok {
			n.logger.Debug("task removed while streaming", "task_id", id)
			return CloseNotFound, nil
		}
	}
}
