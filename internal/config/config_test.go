package config

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv unsets every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		envConfigFile, envListenAddr, envLogLevel, envPollInterval, envStatusInterval,
		envRateLimitMax, envRateLimitInterval, envMaxWorkers, envWorkloadType,
		envGracePeriod, envTaskRetention, envStoreDSN, envSocketPath,
		envWorkerCommand, envWorkDuration, envIDScheme,
	} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.RateLimitMax != 5 || cfg.RateLimitInterval != 20*time.Second {
		t.Errorf("rate limit = %d per %v, want 5 per 20s", cfg.RateLimitMax, cfg.RateLimitInterval)
	}
	if cfg.GracePeriod != 3*time.Second {
		t.Errorf("GracePeriod = %v, want 3s", cfg.GracePeriod)
	}
	if cfg.MaxWorkers != 0 || cfg.WorkloadType != "cpu" {
		t.Errorf("workers = %d/%q, want 0/cpu", cfg.MaxWorkers, cfg.WorkloadType)
	}
	if cfg.StoreDSN != "" || cfg.ConfigFile != "" {
		t.Errorf("StoreDSN/ConfigFile = %q/%q, want empty", cfg.StoreDSN, cfg.ConfigFile)
	}
	if cfg.IDScheme != "timestamp" {
		t.Errorf("IDScheme = %q, want timestamp", cfg.IDScheme)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envRateLimitMax, "10")
	t.Setenv(envRateLimitInterval, "1m")
	t.Setenv(envMaxWorkers, "4")
	t.Setenv(envWorkloadType, "io")
	t.Setenv(envStoreDSN, "/tmp/tasks.db")
	t.Setenv(envWorkerCommand, "/usr/bin/env sleep 1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.RateLimitMax != 10 || cfg.RateLimitInterval != time.Minute {
		t.Errorf("rate limit = %d per %v, want 10 per 1m", cfg.RateLimitMax, cfg.RateLimitInterval)
	}
	if cfg.MaxWorkers != 4 || cfg.WorkloadType != "io" {
		t.Errorf("workers = %d/%q, want 4/io", cfg.MaxWorkers, cfg.WorkloadType)
	}
	if cfg.StoreDSN != "/tmp/tasks.db" {
		t.Errorf("StoreDSN = %q", cfg.StoreDSN)
	}
	if cfg.WorkerCommand != "/usr/bin/env sleep 1" {
		t.Errorf("WorkerCommand = %q", cfg.WorkerCommand)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "taskd.yaml", `
listen_addr: "0.0.0.0:7000"
log_level: warn
poll_interval: 250ms
rate_limit_max: 3
task_retention: 2s
id_scheme: ulid
`)
	t.Setenv(envConfigFile, path)
	t.Setenv(envRateLimitMax, "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ConfigFile != path {
		t.Errorf("ConfigFile = %q, want %q", cfg.ConfigFile, path)
	}
	if cfg.ListenAddr != "0.0.0.0:7000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, want warn", cfg.LogLevel)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", cfg.PollInterval)
	}
	if cfg.TaskRetention != 2*time.Second {
		t.Errorf("TaskRetention = %v, want 2s", cfg.TaskRetention)
	}
	if cfg.IDScheme != "ulid" {
		t.Errorf("IDScheme = %q, want ulid", cfg.IDScheme)
	}
	// The environment wins over the file.
	if cfg.RateLimitMax != 8 {
		t.Errorf("RateLimitMax = %d, want 8", cfg.RateLimitMax)
	}
	// Keys absent from the file keep their defaults.
	if cfg.GracePeriod != defaultGracePeriod {
		t.Errorf("GracePeriod = %v, want default", cfg.GracePeriod)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad duration", envPollInterval, "soon"},
		{"bad number", envMaxWorkers, "many"},
		{"zero rate limit", envRateLimitMax, "0"},
		{"sub-second window", envRateLimitInterval, "500ms"},
		{"unknown workload", envWorkloadType, "gpu"},
		{"negative retention", envTaskRetention, "-1s"},
		{"retention shorter than two status polls", envTaskRetention, "1500ms"},
		{"missing file", envConfigFile, "/nonexistent/taskd.yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load succeeded with %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}

func TestNewLoggerHonoursLevelVar(t *testing.T) {
	var buf bytes.Buffer
	var level slog.LevelVar
	level.Set(slog.LevelWarn)
	logger := NewLogger(&buf, &level)

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %s", buf.String())
	}

	level.Set(slog.LevelDebug)
	logger.Info("shown")
	if buf.Len() == 0 {
		t.Error("info not logged after lowering level")
	}
}

func TestWatchLogLevel(t *testing.T) {
	path := writeFile(t, "taskd.yaml", "log_level: info\n")

	var level slog.LevelVar
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- WatchLogLevel(ctx, path, &level, logger) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for level.Level() != slog.LevelDebug {
		if time.Now().After(deadline) {
			t.Fatalf("level = %v, want debug", level.Level())
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("WatchLogLevel returned %v", err)
	}
}

func TestReadLogLevelAbsent(t *testing.T) {
	path := writeFile(t, "taskd.yaml", "listen_addr: \":1\"\n")
	if _, ok, err := readLogLevel(path); err != nil || ok {
		t.Errorf("readLogLevel = ok %v, err %v; want not set", ok, err)
	}
}
