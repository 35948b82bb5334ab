// Package engine admits queued tasks into a bounded pool of worker
// processes. The Scheduler is the single control loop: it reaps finished
// workers, dequeues task IDs in FIFO order while the Supervisor has spare
// capacity, and otherwise waits for a wake signal, a freed slot or the poll
// timeout.
package engine
