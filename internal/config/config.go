// Package config loads taskd configuration from defaults, an optional YAML
// file and TASKD_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

const (
	defaultListenAddr        = "127.0.0.1:8000"
	defaultPollInterval      = time.Second
	defaultStatusInterval    = time.Second
	defaultRateLimitMax      = 5
	defaultRateLimitInterval = 20 * time.Second
	defaultWorkloadType      = "cpu"
	defaultGracePeriod       = 3 * time.Second
	defaultTaskRetention     = time.Minute
	defaultWorkDuration      = 15 * time.Second
	defaultIDScheme          = "timestamp"

	envConfigFile        = "TASKD_CONFIG"
	envListenAddr        = "TASKD_LISTEN_ADDR"
	envLogLevel          = "TASKD_LOG_LEVEL"
	envPollInterval      = "TASKD_POLL_INTERVAL"
	envStatusInterval    = "TASKD_STATUS_INTERVAL"
	envRateLimitMax      = "TASKD_RATE_LIMIT_MAX"
	envRateLimitInterval = "TASKD_RATE_LIMIT_INTERVAL"
	envMaxWorkers        = "TASKD_MAX_WORKERS"
	envWorkloadType      = "TASKD_WORKLOAD_TYPE"
	envGracePeriod       = "TASKD_GRACE_PERIOD"
	envTaskRetention     = "TASKD_TASK_RETENTION"
	envStoreDSN          = "TASKD_STORE_DSN"
	envSocketPath        = "TASKD_SOCKET_PATH"
	envWorkerCommand     = "TASKD_WORKER_COMMAND"
	envWorkDuration      = "TASKD_WORK_DURATION"
	envIDScheme          = "TASKD_ID_SCHEME"
)

// Config holds application configuration.
type Config struct {
	// ConfigFile is the YAML file the configuration was read from, if any.
	ConfigFile string `yaml:"-"`

	ListenAddr string     `yaml:"listen_addr"`
	LogLevel   slog.Level `yaml:"log_level"`

	PollInterval   time.Duration `yaml:"poll_interval"`
	StatusInterval time.Duration `yaml:"status_interval"`

	RateLimitMax      int           `yaml:"rate_limit_max"`
	RateLimitInterval time.Duration `yaml:"rate_limit_interval"`

	// MaxWorkers of zero derives the cap from WorkloadType and the CPU count.
	MaxWorkers    int           `yaml:"max_workers"`
	WorkloadType  string        `yaml:"workload_type"`
	GracePeriod   time.Duration `yaml:"grace_period"`
	TaskRetention time.Duration `yaml:"task_retention"`

	// StoreDSN of "" keeps tasks in an in-process map.
	StoreDSN string `yaml:"store_dsn"`
	// SocketPath of "" places the worker socket in a temporary directory.
	SocketPath string `yaml:"socket_path"`
	// WorkerCommand of "" re-executes the server binary as "taskd worker".
	WorkerCommand string        `yaml:"worker_command"`
	WorkDuration  time.Duration `yaml:"work_duration"`
	IDScheme      string        `yaml:"id_scheme"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:        defaultListenAddr,
		LogLevel:          slog.LevelInfo,
		PollInterval:      defaultPollInterval,
		StatusInterval:    defaultStatusInterval,
		RateLimitMax:      defaultRateLimitMax,
		RateLimitInterval: defaultRateLimitInterval,
		WorkloadType:      defaultWorkloadType,
		GracePeriod:       defaultGracePeriod,
		TaskRetention:     defaultTaskRetention,
		WorkDuration:      defaultWorkDuration,
		IDScheme:          defaultIDScheme,
	}
}

// Load builds the configuration from defaults, the YAML file named by
// TASKD_CONFIG and the environment.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
		cfg.ConfigFile = path
	}

	if err := cfg.loadEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	var errs []error

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str(envListenAddr, &c.ListenAddr)
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}
	dur(envPollInterval, &c.PollInterval)
	dur(envStatusInterval, &c.StatusInterval)
	num(envRateLimitMax, &c.RateLimitMax)
	dur(envRateLimitInterval, &c.RateLimitInterval)
	num(envMaxWorkers, &c.MaxWorkers)
	str(envWorkloadType, &c.WorkloadType)
	dur(envGracePeriod, &c.GracePeriod)
	dur(envTaskRetention, &c.TaskRetention)
	str(envStoreDSN, &c.StoreDSN)
	str(envSocketPath, &c.SocketPath)
	str(envWorkerCommand, &c.WorkerCommand)
	dur(envWorkDuration, &c.WorkDuration)
	str(envIDScheme, &c.IDScheme)

	return errors.Join(errs...)
}

// Validate reports settings that cannot be used.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.StatusInterval <= 0 {
		errs = append(errs, errors.New("status_interval must be positive"))
	}
	if c.RateLimitMax < 1 {
		errs = append(errs, errors.New("rate_limit_max must be at least 1"))
	}
	if c.RateLimitInterval < time.Second {
		errs = append(errs, errors.New("rate_limit_interval must be at least 1s"))
	}
	if c.MaxWorkers < 0 {
		errs = append(errs, errors.New("max_workers must not be negative"))
	}
	if c.WorkloadType != "cpu" && c.WorkloadType != "io" {
		errs = append(errs, fmt.Errorf("workload_type %q must be cpu or io", c.WorkloadType))
	}
	if c.GracePeriod <= 0 {
		errs = append(errs, errors.New("grace_period must be positive"))
	}
	if c.TaskRetention < 0 {
		errs = append(errs, errors.New("task_retention must not be negative"))
	} else if c.StatusInterval > 0 && c.TaskRetention < 2*c.StatusInterval {
		errs = append(errs, fmt.Errorf("task_retention %s must be at least twice status_interval %s",
			c.TaskRetention, c.StatusInterval))
	}
	if c.WorkDuration < 0 {
		errs = append(errs, errors.New("work_duration must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w. Pass a
// *slog.LevelVar to change the level at runtime.
func NewLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
