// Package app assembles taskd from its configuration and owns the process
// lifecycle: Start brings the background loops up, Shutdown tears them down
// in dependency order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/shlex"

	"github.com/seantiz/taskd/internal/api"
	"github.com/seantiz/taskd/internal/config"
	"github.com/seantiz/taskd/internal/engine"
	"github.com/seantiz/taskd/internal/ipc"
	"github.com/seantiz/taskd/internal/model"
	"github.com/seantiz/taskd/internal/notify"
	"github.com/seantiz/taskd/internal/ratelimit"
	"github.com/seantiz/taskd/internal/store"
	"github.com/seantiz/taskd/internal/task"
	"github.com/seantiz/taskd/internal/worker"
)

// shutdownSlack is added to the worst-case worker termination time when
// bounding shutdown.
const shutdownSlack = 5 * time.Second

// App holds every long-lived component of the server.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store      store.Store
	tasks      *task.Manager
	queue      *engine.Queue
	supervisor *engine.Supervisor
	scheduler  *engine.Scheduler
	limiter    *ratelimit.Limiter
	notifier   *notify.Notifier
	ids        *model.IDGenerator
	ipc        *ipc.Server
	server     *api.Server

	// socketDir is removed on shutdown when the socket lives in a temp dir.
	socketDir string

	mu           sync.Mutex
	started      bool
	cancel       context.CancelFunc
	bg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds the application. Nothing runs until Start.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}
	if err := a.build(); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	var err error

	a.ids, err = model.NewIDGenerator(a.cfg.IDScheme)
	if err != nil {
		return err
	}

	maxWorkers := a.cfg.MaxWorkers
	if maxWorkers == 0 {
		maxWorkers, err = engine.MaxConcurrency(a.cfg.WorkloadType)
		if err != nil {
			return err
		}
	}

	command, err := WorkerCommand(a.cfg.WorkerCommand)
	if err != nil {
		return err
	}

	a.store, err = store.Open(a.cfg.StoreDSN)
	if err != nil {
		return err
	}
	a.tasks = task.NewManager(a.store, a.logger)

	socketPath := a.cfg.SocketPath
	if socketPath == "" {
		a.socketDir, err = os.MkdirTemp("", "taskd-")
		if err != nil {
			return fmt.Errorf("create socket dir: %w", err)
		}
		socketPath = filepath.Join(a.socketDir, "store.sock")
	}
	a.ipc, err = ipc.Listen(socketPath, a.tasks, a.logger)
	if err != nil {
		return err
	}

	a.queue = engine.NewQueue()
	a.supervisor = engine.NewSupervisor(engine.SupervisorConfig{
		MaxWorkers:  maxWorkers,
		Grace:       a.cfg.GracePeriod,
		StoreSocket: a.ipc.Path(),
		Env: []string{
			worker.EnvWorkDuration + "=" + a.cfg.WorkDuration.String(),
			"TASKD_LOG_LEVEL=" + a.cfg.LogLevel.String(),
		},
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, a.tasks, command, a.logger)
	a.scheduler = engine.NewScheduler(a.queue, a.tasks, a.supervisor, engine.SchedulerConfig{
		PollInterval:   a.cfg.PollInterval,
		Retention:      a.cfg.TaskRetention,
		StatusInterval: a.cfg.StatusInterval,
	}, a.logger)

	a.limiter = ratelimit.New(a.cfg.RateLimitMax, a.cfg.RateLimitInterval)
	a.notifier = notify.New(a.tasks, a.cfg.StatusInterval, a.logger)
	a.server = api.NewServer(a.cfg.ListenAddr, a.Deps(), a.logger)
	return nil
}

// WorkerCommand returns the command used to launch workers. An empty spec
// re-executes the running binary as "<exe> worker"; otherwise spec is split
// with shell quoting rules.
func WorkerCommand(spec string) (engine.CommandFunc, error) {
	var argv []string
	if spec == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		argv = []string{exe, "worker"}
	} else {
		parts, err := shlex.Split(spec)
		if err != nil {
			return nil, fmt.Errorf("parse worker command: %w", err)
		}
		if len(parts) == 0 {
			return nil, errors.New("worker command is empty")
		}
		argv = parts
	}

	return func(_ context.Context, _ string) (*exec.Cmd, error) {
		// Not bound to a context: a worker outlives the request that queued it.
		return exec.Command(argv[0], argv[1:]...), nil
	}, nil
}

// Deps returns the collaborators the HTTP layer needs.
func (a *App) Deps() api.Deps {
	return api.Deps{
		Tasks:     a.tasks,
		Queue:     a.queue,
		Scheduler: a.scheduler,
		Workers:   a.supervisor,
		Limiter:   a.limiter,
		Notifier:  a.notifier,
		IDs:       a.ids,
	}
}

// Start launches the IPC server, the scheduler and the rate limiter reset
// timer.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.started = true

	ctx, a.cancel = context.WithCancel(ctx)

	a.bg.Go(func() {
		if err := a.ipc.Serve(); err != nil {
			a.logger.Error("ipc server stopped", "error", err)
		}
	})
	a.bg.Go(func() { a.limiter.Run(ctx) })
	a.scheduler.Start(ctx)

	a.logger.Info("taskd started",
		"max_workers", a.supervisor.Max(),
		"store_socket", a.ipc.Path(),
		"rate_limit", a.limiter.Limit(),
		"rate_limit_interval", a.limiter.Interval().String(),
	)
}

// Run starts the application, serves HTTP until ctx is cancelled and then
// shuts everything down.
func (a *App) Run(ctx context.Context, onReady func(net.Addr)) error {
	a.Start(ctx)

	serveErr := a.server.Run(ctx, onReady)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*a.cfg.GracePeriod+shutdownSlack)
	defer cancel()
	return errors.Join(serveErr, a.Shutdown(shutdownCtx))
}

// Shutdown stops the scheduler, the limiter timer, every worker, the IPC
// server and finally the store, in that order. It is safe to call more than
// once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.scheduler.Stop()

		a.mu.Lock()
		if a.cancel != nil {
			a.cancel()
		}
		a.mu.Unlock()

		a.supervisor.Shutdown(ctx)

		a.shutdownErr = a.closeResources()
		a.bg.Wait()
		a.logger.Info("taskd stopped")
	})
	return a.shutdownErr
}

func (a *App) closeResources() error {
	var errs []error
	if a.ipc != nil {
		if err := a.ipc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ipc server: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if a.socketDir != "" {
		os.RemoveAll(a.socketDir)
	}
	return errors.Join(errs...)
}
