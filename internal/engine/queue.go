package engine

import (
	"sync"

	"github.com/golang-collections/collections/queue"
)

// Queue is an unbounded FIFO of task IDs awaiting a worker slot.
type Queue struct {
	mu    sync.Mutex
	items *queue.Queue
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{items: queue.New()}
}

// Enqueue appends id. It always succeeds.
func (q *Queue) Enqueue(id string) {
	q.mu.Lock()
	q.items.Enqueue(id)
	n := q.items.Len()
	q.mu.Unlock()
	queueDepth.Set(float64(n))
}

// Dequeue removes and returns the oldest id without blocking.
func (q *Queue) Dequeue() (string, bool) {
	q.mu.Lock()
	if q.items.Len() == 0 {
		q.mu.Unlock()
		return "", false
	}
	id := q.items.Dequeue().(string)
	n := q.items.Len()
	q.mu.Unlock()
	queueDepth.Set(float64(n))
	return id, true
}

// Len returns the number of queued ids.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
