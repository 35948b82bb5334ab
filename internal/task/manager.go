// Package task provides the reader/writer contract over the task store.
// Every operation is total: store failures are logged and reported as an
// absent result or false, never as a panic or error return.
package task

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/seantiz/taskd/internal/model"
	"github.com/seantiz/taskd/internal/store"
)

// Manager mediates all reads and writes of task state.
type Manager struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a Manager backed by s.
func NewManager(s store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:  s,
		logger: logger,
		now:    time.Now,
	}
}

// AddTask inserts or overwrites id as a queued task.
func (m *Manager) AddTask(ctx context.Context, id string) model.Task {
	t, _ := m.AddTaskWithStatus(ctx, id, model.StatusQueued)
	return t
}

// AddTaskWithStatus inserts or overwrites id with the given status. It
// returns false when status is not a known value or the write fails.
func (m *Manager) AddTaskWithStatus(ctx context.Context, id string, status model.Status) (model.Task, bool) {
	if !status.Valid() {
		m.logger.Warn("rejected task with unknown status", "task_id", id, "status", status)
		return model.Task{}, false
	}

	t := model.NewTask(id, status, m.now())
	if err := m.store.Put(ctx, t); err != nil {
		m.logger.Error("failed to store task", "task_id", id, "error", err)
		return model.Task{}, false
	}
	return t, true
}

// GetTask returns the current value for id.
func (m *Manager) GetTask(ctx context.Context, id string) (model.Task, bool) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Error("failed to read task", "task_id", id, "error", err)
		}
		return model.Task{}, false
	}
	return t, true
}

// UpdateTask moves id to status. It returns false if id is absent or the
// current status cannot legally move to status; terminal tasks never change.
func (m *Manager) UpdateTask(ctx context.Context, id string, status model.Status) bool {
	cur, err := m.store.Transition(ctx, id, status, m.now())
	switch {
	case err == nil:
		m.logger.Debug("task status changed", "task_id", id, "status", status)
		return true
	case errors.Is(err, store.ErrNotFound):
		return false
	case errors.Is(err, store.ErrInvalidTransition):
		m.logger.Debug("rejected status transition",
			"task_id", id, "from", cur.Status, "to", status)
		return false
	default:
		m.logger.Error("failed to update task", "task_id", id, "status", status, "error", err)
		return false
	}
}

// RemoveTask deletes id and returns the value it held.
func (m *Manager) RemoveTask(ctx context.Context, id string) (model.Task, bool) {
	t, err := m.store.Delete(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Error("failed to remove task", "task_id", id, "error", err)
		}
		return model.Task{}, false
	}
	return t, true
}

// ListTasks returns a snapshot of every tracked task ordered by ID.
func (m *Manager) ListTasks(ctx context.Context) []model.Task {
	tasks, err := m.store.List(ctx)
	if err != nil {
		m.logger.Error("failed to list tasks", "error", err)
		return nil
	}
	return tasks
}

// RemoveExpired deletes terminal tasks last written before the given instant
// and returns their IDs.
func (m *Manager) RemoveExpired(ctx context.Context, before time.Time) []string {
	var removed []string
	for _, t := range m.ListTasks(ctx) {
		if !t.Status.Terminal() || !t.UpdatedAt.Before(before) {
			continue
		}
		if _, ok := m.RemoveTask(ctx, t.ID); ok {
			removed = append(removed, t.ID)
		}
	}
	if len(removed) > 0 {
		m.logger.Debug("removed expired tasks", "count", len(removed))
	}
	return removed
}
