package config

import (
	"errors"
	"time"
)

// LifecycleConfig holds the bounds of session startup and teardown
type LifecycleConfig struct {
	// GracePeriod is how long a worker may take to exit before it is killed
	GracePeriod time.Duration `yaml:"grace_period"`
	// AuthDeadline is the longest a session may stay unauthenticated
	AuthDeadline time.Duration `yaml:"auth_deadline"`
	// TeardownConcurrency caps parallel teardowns in terminate-all
	TeardownConcurrency int `yaml:"teardown_concurrency"`
}

// DefaultLifecycleConfig returns default lifecycle bounds
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		GracePeriod:         DefaultTeardownGracePeriod,
		AuthDeadline:        DefaultAuthDeadline,
		TeardownConcurrency: DefaultTeardownConcurrency,
	}
}

// QueueConfig holds configuration for draining job queues
type QueueConfig struct {
	// PollTimeout bounds each blocking pop
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// AckTimeout is how long to wait for a worker to acknowledge a job
	AckTimeout time.Duration `yaml:"ack_timeout"`
	// MaxAttempts is how many deliveries a failing job gets
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultQueueConfig returns default queue configuration
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		PollTimeout: DefaultQueuePollTimeout,
		AckTimeout:  DefaultAckTimeout,
		MaxAttempts: DefaultJobMaxAttempts,
	}
}

// DispatchConfig holds the live-reloadable pacing bounds
type DispatchConfig struct {
	BurstLimit      int           `yaml:"burst_limit"`
	MessageDelayMin time.Duration `yaml:"message_delay_min"`
	MessageDelayMax time.Duration `yaml:"message_delay_max"`
	RestDelayMin    time.Duration `yaml:"rest_delay_min"`
	RestDelayMax    time.Duration `yaml:"rest_delay_max"`
}

// DefaultDispatchConfig returns default pacing bounds
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		BurstLimit:      DefaultBurstLimit,
		MessageDelayMin: DefaultMessageDelayMin,
		MessageDelayMax: DefaultMessageDelayMax,
		RestDelayMin:    DefaultRestDelayMin,
		RestDelayMax:    DefaultRestDelayMax,
	}
}

// Validate checks the pacing bounds are usable
func (c DispatchConfig) Validate() error {
	if c.BurstLimit <= 0 {
		return errors.New("burst_limit must be positive")
	}
	if c.MessageDelayMin < 0 || c.RestDelayMin < 0 {
		return errors.New("delays cannot be negative")
	}
	if c.MessageDelayMin > c.MessageDelayMax {
		return errors.New("message_delay_min cannot be greater than message_delay_max")
	}
	if c.RestDelayMin > c.RestDelayMax {
		return errors.New("rest_delay_min cannot be greater than rest_delay_max")
	}
	return nil
}

// MonitorConfig holds configuration for the memory monitor
type MonitorConfig struct {
	// Interval is how often memory is sampled
	Interval time.Duration `yaml:"interval"`
	// ThresholdPercent of total memory above which idle sessions are evicted
	ThresholdPercent float64 `yaml:"threshold_percent"`
	// Cooldown is the minimum time between evictions
	Cooldown time.Duration `yaml:"cooldown"`
}

// DefaultMonitorConfig returns default monitor configuration
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:         DefaultMonitorInterval,
		ThresholdPercent: DefaultMemoryThresholdPercent,
		Cooldown:         DefaultEvictionCooldown,
	}
}
