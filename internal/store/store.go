package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/taskd/internal/model"
)

// ErrNotFound is returned when a task is not in the store.
var ErrNotFound = errors.New("task not found")

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the single shared copy of task state. Implementations replace
// whole values atomically and are safe for concurrent use.
type Store interface {
	// Put inserts or overwrites the task unconditionally.
	Put(ctx context.Context, t model.Task) error
	Get(ctx context.Context, id string) (model.Task, error)
	List(ctx context.Context) ([]model.Task, error)
	// Transition replaces the task with one in status to, provided the current
	// status may legally move there. The check and the write are atomic.
	Transition(ctx context.Context, id string, to model.Status, at time.Time) (model.Task, error)
	// Delete removes the task and returns the value it held.
	Delete(ctx context.Context, id string) (model.Task, error)
	Close() error
}

// Open returns a store for dsn: an empty dsn selects the in-process map,
// anything else is handed to SQLite.
func Open(dsn string) (Store, error) {
	if dsn == "" || strings.EqualFold(dsn, "memory") {
		return NewMemoryStore(), nil
	}
	s, err := NewSQLiteStore(dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return s, nil
}
