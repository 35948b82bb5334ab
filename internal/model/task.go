package model

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

// Task status constants.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entry.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Sources returns every status from which to is reachable in one step.
func Sources(to Status) []Status {
	var from []Status
	for _, s := range []Status{StatusQueued, StatusRunning} {
		if validTransitions[s][to] {
			from = append(from, s)
		}
	}
	return from
}

// Terminal reports whether no further transition is accepted out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// ParseStatus converts a string into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("invalid status %q", v)
	}
	return s, nil
}

// Task is an immutable snapshot of a unit of work. Every state change
// produces a new value; stored tasks are replaced, never mutated.
type Task struct {
	ID        string    `json:"task_id"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTask returns a task in the given status stamped with at.
func NewTask(id string, status Status, at time.Time) Task {
	return Task{ID: id, Status: status, UpdatedAt: at.UTC()}
}

// With returns a copy of t in the given status stamped with at.
func (t Task) With(status Status, at time.Time) Task {
	return Task{ID: t.ID, Status: status, UpdatedAt: at.UTC()}
}
