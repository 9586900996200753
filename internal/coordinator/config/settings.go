package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Store backends
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// RedisSettings locates the replicated store
type RedisSettings struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Settings is the static supervisor configuration
type Settings struct {
	LogLevel     string          `yaml:"log_level"`
	Store        string          `yaml:"store"`
	Redis        RedisSettings   `yaml:"redis"`
	SocketPath   string          `yaml:"socket_path"`
	WorkerBinary string          `yaml:"worker_binary"`
	WorkerArgs   []string        `yaml:"worker_args"`
	ArtifactRoot string          `yaml:"artifact_root"`
	SnapshotDB   string          `yaml:"snapshot_db"`
	MetricsAddr  string          `yaml:"metrics_addr"`
	Lifecycle    LifecycleConfig `yaml:"lifecycle"`
	Queue        QueueConfig     `yaml:"queue"`
	Dispatch     DispatchConfig  `yaml:"dispatch"`
	Monitor      MonitorConfig   `yaml:"monitor"`
}

// DefaultSettings returns settings usable for a single-node development run
func DefaultSettings() Settings {
	runtimeDir := filepath.Join(os.TempDir(), "session-supervisor")
	return Settings{
		LogLevel:     "info",
		Store:        StoreMemory,
		Redis:        RedisSettings{Addr: "localhost:6379"},
		SocketPath:   filepath.Join(runtimeDir, "channel.sock"),
		WorkerBinary: "session-worker",
		ArtifactRoot: filepath.Join(runtimeDir, "sessions"),
		MetricsAddr:  ":9464",
		Lifecycle:    DefaultLifecycleConfig(),
		Queue:        DefaultQueueConfig(),
		Dispatch:     DefaultDispatchConfig(),
		Monitor:      DefaultMonitorConfig(),
	}
}

// LoadSettings reads path (if non-empty) over the defaults, then applies
// SUPERVISOR_* environment overrides.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &s); err != nil {
			return s, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(&s)

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func applyEnv(s *Settings) {
	overrides := map[string]*string{
		"SUPERVISOR_LOG_LEVEL":      &s.LogLevel,
		"SUPERVISOR_STORE":          &s.Store,
		"SUPERVISOR_REDIS_ADDR":     &s.Redis.Addr,
		"SUPERVISOR_REDIS_USERNAME": &s.Redis.Username,
		"SUPERVISOR_REDIS_PASSWORD": &s.Redis.Password,
		"SUPERVISOR_SOCKET":         &s.SocketPath,
		"SUPERVISOR_WORKER_BINARY":  &s.WorkerBinary,
		"SUPERVISOR_ARTIFACT_ROOT":  &s.ArtifactRoot,
		"SUPERVISOR_SNAPSHOT_DB":    &s.SnapshotDB,
		"SUPERVISOR_METRICS_ADDR":   &s.MetricsAddr,
	}
	for key, target := range overrides {
		if value := os.Getenv(key); value != "" {
			*target = value
		}
	}
	if value := os.Getenv("SUPERVISOR_REDIS_DB"); value != "" {
		if db, err := strconv.Atoi(value); err == nil {
			s.Redis.DB = db
		}
	}
}

// Validate checks the settings are coherent
func (s Settings) Validate() error {
	var errs []error
	switch s.Store {
	case StoreMemory:
	case StoreRedis:
		if s.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", s.Store))
	}
	if s.SocketPath == "" {
		errs = append(errs, errors.New("socket_path is required"))
	}
	if s.ArtifactRoot == "" {
		errs = append(errs, errors.New("artifact_root is required"))
	}
	if s.Lifecycle.GracePeriod <= 0 || s.Lifecycle.AuthDeadline <= 0 {
		errs = append(errs, errors.New("lifecycle durations must be positive"))
	}
	if s.Lifecycle.TeardownConcurrency <= 0 {
		errs = append(errs, errors.New("lifecycle.teardown_concurrency must be positive"))
	}
	if s.Queue.PollTimeout <= 0 || s.Queue.AckTimeout <= 0 {
		errs = append(errs, errors.New("queue timeouts must be positive"))
	}
	if s.Monitor.Interval <= 0 {
		errs = append(errs, errors.New("monitor.interval must be positive"))
	}
	if err := s.Dispatch.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("dispatch: %w", err))
	}
	return errors.Join(errs...)
}
