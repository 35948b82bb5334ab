package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/taskd/internal/model"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with a map guarded by a RWMutex.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]model.Task
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]model.Task)}
}

func (s *MemoryStore) Put(_ context.Context, t model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	return t, nil
}

// List returns all tasks ordered by ID.
func (s *MemoryStore) List(_ context.Context) ([]model.Task, error) {
	s.mu.RLock()
	tasks := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, to model.Status, at time.Time) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[id]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	if !model.ValidTransition(cur.Status, to) {
		return cur, ErrInvalidTransition
	}
	next := cur.With(to, at)
	s.tasks[id] = next
	return next, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	delete(s.tasks, id)
	return t, nil
}

// Close is a no-op; it exists to satisfy Store.
func (s *MemoryStore) Close() error { return nil }
