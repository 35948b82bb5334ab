// Command taskd runs the task server. "taskd worker" is the entry point the
// server re-executes for each worker process.
package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/seantiz/taskd/internal/app"
	"github.com/seantiz/taskd/internal/config"
	"github.com/seantiz/taskd/internal/worker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if len(os.Args) > 1 && os.Args[1] == "worker" {
		os.Exit(runWorker(ctx))
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	level := new(slog.LevelVar)
	level.Set(cfg.LogLevel)
	logger := config.NewLogger(os.Stdout, level)

	logger.Info("taskd: starting",
		"listen_addr", cfg.ListenAddr,
		"store_dsn", cfg.StoreDSN,
		"config_file", cfg.ConfigFile,
	)

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build application", "error", err)
		os.Exit(1)
	}

	if cfg.ConfigFile != "" {
		go func() {
			if err := config.WatchLogLevel(ctx, cfg.ConfigFile, level, logger); err != nil {
				logger.Warn("log level reload disabled", "error", err)
			}
		}()
	}

	stop := context.AfterFunc(ctx, func() {
		if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
			logger.Debug("sd_notify stopping", "error", err)
		}
	})
	defer stop()

	err = a.Run(ctx, func(addr net.Addr) {
		if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			logger.Debug("sd_notify ready", "error", err)
		}
		logger.Info("taskd: ready", "addr", addr.String())
	})
	if err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// runWorker executes one task inside a worker process and returns the exit
// code. Logs go to stderr, which the supervisor forwards.
func runWorker(ctx context.Context) int {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(os.Getenv("TASKD_LOG_LEVEL"))); err != nil {
		level = slog.LevelInfo
	}
	logger := config.NewLogger(os.Stderr, level).With("component", "worker")

	cfg, err := worker.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid worker environment", "error", err)
		return 2
	}

	if err := worker.Run(ctx, cfg, worker.Sleep(cfg.WorkDuration), logger); err != nil {
		logger.Error("worker failed", "task_id", cfg.TaskID, "error", err)
		return 1
	}
	return 0
}
