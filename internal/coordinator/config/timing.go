package config

import "time"

// Default timing configurations used throughout the supervisor
const (
	// DefaultTeardownGracePeriod is how long a worker gets to exit after a terminate command
	DefaultTeardownGracePeriod = 10 * time.Second

	// DefaultAuthDeadline is the longest a session may stay unauthenticated
	DefaultAuthDeadline = 3 * time.Minute

	// DefaultTeardownConcurrency caps simultaneous teardowns during terminate-all
	DefaultTeardownConcurrency = 5

	// DefaultQueuePollTimeout bounds each blocking pop so dispatch loops notice shutdown
	DefaultQueuePollTimeout = 1 * time.Second

	// DefaultAckTimeout is how long a dispatched job waits for job_sent/job_failed
	DefaultAckTimeout = 60 * time.Second

	// DefaultJobMaxAttempts is how many deliveries a job gets before it is dropped
	DefaultJobMaxAttempts = 3

	// DefaultBurstLimit is how many jobs are sent before a rest pause
	DefaultBurstLimit = 10

	// DefaultMessageDelayMin is the lower bound of the pause between jobs
	DefaultMessageDelayMin = 2 * time.Second

	// DefaultMessageDelayMax is the upper bound of the pause between jobs
	DefaultMessageDelayMax = 5 * time.Second

	// DefaultRestDelayMin is the lower bound of the pause after a burst
	DefaultRestDelayMin = 30 * time.Second

	// DefaultRestDelayMax is the upper bound of the pause after a burst
	DefaultRestDelayMax = 60 * time.Second

	// DefaultMonitorInterval is how often memory is sampled
	DefaultMonitorInterval = 30 * time.Second

	// DefaultMemoryThresholdPercent triggers eviction of idle sessions
	DefaultMemoryThresholdPercent = 85.0

	// DefaultEvictionCooldown is the minimum time between two evictions
	DefaultEvictionCooldown = 5 * time.Minute
)
