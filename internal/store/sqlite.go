package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/taskd/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id         TEXT PRIMARY KEY,
    status     TEXT NOT NULL,
    updated_at INTEGER NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dsn and creates the schema.
// ":memory:" keeps all state in process memory.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection, and a single writer keeps
	// every transition serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTasksTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put inserts or replaces a task record.
func (s *SQLiteStore) Put(ctx context.Context, t model.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, status, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		t.ID, string(t.Status), t.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		"SELECT id, status, updated_at FROM tasks WHERE id = ?", id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// List returns all tasks ordered by ID.
func (s *SQLiteStore) List(ctx context.Context) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, status, updated_at FROM tasks ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// Transition moves a task to status to in a single guarded UPDATE, so the
// legality check and the write cannot interleave with another writer.
func (s *SQLiteStore) Transition(ctx context.Context, id string, to model.Status, at time.Time) (model.Task, error) {
	sources := model.Sources(to)
	if len(sources) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(sources)), ", ")
		args := []any{string(to), at.UTC().UnixNano(), id}
		for _, src := range sources {
			args = append(args, string(src))
		}

		t, err := scanTask(s.db.QueryRowContext(ctx,
			`UPDATE tasks SET status = ?, updated_at = ?
			WHERE id = ? AND status IN (`+placeholders+`)
			RETURNING id, status, updated_at`, args...,
		))
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return model.Task{}, fmt.Errorf("update task status: %w", err)
		}
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	return cur, ErrInvalidTransition
}

// Delete removes a task and returns its last value.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		"DELETE FROM tasks WHERE id = ? RETURNING id, status, updated_at", id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("delete task: %w", err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (model.Task, error) {
	var (
		t       model.Task
		status  string
		updated int64
	)
	if err := r.Scan(&t.ID, &status, &updated); err != nil {
		return model.Task{}, err
	}
	t.Status = model.Status(status)
	t.UpdatedAt = time.Unix(0, updated).UTC()
	return t, nil
}
