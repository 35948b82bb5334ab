package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"
)

// reloadDebounce absorbs the burst of events editors produce on save.
const reloadDebounce = 250 * time.Millisecond

// WatchLogLevel re-reads log_level from the YAML file at path whenever it
// changes and applies it to level. It blocks until ctx is cancelled.
func WatchLogLevel(ctx context.Context, path string, level *slog.LevelVar, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory so atomic rename-over saves are seen.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		lvl, ok, err := readLogLevel(path)
		if err != nil {
			logger.Warn("config reload failed", "path", path, "error", err)
			return
		}
		if !ok || lvl == level.Level() {
			return
		}
		level.Set(lvl)
		logger.Info("log level changed", "level", lvl.String())
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, reload)
			timerMu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}

// readLogLevel returns the log_level in the file; ok is false when the file
// does not set one.
func readLogLevel(path string) (slog.Level, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false, fmt.Errorf("read config file: %w", err)
	}
	var doc struct {
		LogLevel string `yaml:"log_level"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, false, fmt.Errorf("parse config file: %w", err)
	}
	if doc.LogLevel == "" {
		return 0, false, nil
	}
	return parseLogLevel(doc.LogLevel), true, nil
}
