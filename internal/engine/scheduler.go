package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/taskd/internal/model"
)

// Default scheduler timings.
const (
	DefaultPollInterval = time.Second
	DefaultRetention    = time.Minute
)

// Pool is the worker pool driven by the Scheduler.
type Pool interface {
	Spawn(ctx context.Context, taskID string) error
	Reap(ctx context.Context) ReapResult
	Len() int
	Max() int
	Freed() <-chan struct{}
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// PollInterval bounds how long the loop waits without a signal.
	PollInterval time.Duration
	// Retention is how long a terminal task stays visible before removal.
	// Zero removes terminal tasks in the same pass that reaps their worker.
	Retention time.Duration
	// StatusInterval is the status stream poll period. Retention is raised
	// to at least twice this, so every open stream reads the terminal status
	// before the task disappears.
	StatusInterval time.Duration
}

// Scheduler is the control loop that moves queued tasks into the pool.
type Scheduler struct {
	queue  *Queue
	tasks  Tasks
	pool   Pool
	cfg    SchedulerConfig
	logger *slog.Logger
	now    func() time.Time

	wake chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a Scheduler. It does nothing until Start or Run.
func NewScheduler(q *Queue, tasks Tasks, pool Pool, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Retention < 0 {
		cfg.Retention = 0
	}
	if floor := 2 * cfg.StatusInterval; cfg.Retention < floor {
		cfg.Retention = floor
	}
	return &Scheduler{
		queue:  q,
		tasks:  tasks,
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// Wake nudges the loop to run an iteration now. It never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs the loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.Run(ctx)
	}()
}

// Stop cancels the loop started by Start and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run drives the loop until ctx is cancelled. Worker failures never stop it.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		"max_workers", s.pool.Max(),
		"poll_interval", s.cfg.PollInterval.String(),
	)
	defer s.logger.Info("scheduler stopped")

	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		s.reclaim(ctx)

		if s.admit(ctx) {
			continue
		}

		timer.Reset(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-s.pool.Freed():
		case <-timer.C:
		}
	}
}

// reclaim reaps workers, then drops terminal tasks past their retention.
func (s *Scheduler) reclaim(ctx context.Context) {
	if r := s.pool.Reap(ctx); r.Total() > 0 {
		s.logger.Debug("reaped workers",
			"exited", len(r.Exited),
			"failed", len(r.Failed),
			"terminated", len(r.Terminated),
			"killed", len(r.Killed),
		)
	}
	s.tasks.RemoveExpired(ctx, s.now().Add(-s.cfg.Retention))
}

// admit starts the next queued task if there is a free slot. It reports
// whether an ID was taken off the queue.
func (s *Scheduler) admit(ctx context.Context) bool {
	if s.pool.Len() >= s.pool.Max() {
		return false
	}
	id, ok := s.queue.Dequeue()
	if !ok {
		return false
	}

	if !s.tasks.UpdateTask(ctx, id, model.StatusRunning) {
		s.logger.Info("skipping task no longer queued", "task_id", id)
		return true
	}

	if err := s.pool.Spawn(ctx, id); err != nil {
		s.logger.Error("failed to spawn worker", "task_id", id, "error", err)
		s.tasks.UpdateTask(ctx, id, model.StatusFailed)
	}
	return true
}
