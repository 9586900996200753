package retry

import (
	"errors"
	"math"
	"time"
)

// Policy defines redelivery behavior for jobs the worker reported as failed
type Policy struct {
	MaxAttempts       int           // Maximum deliveries of one job, the first included
	InitialDelay      time.Duration // Delay before the first redelivery
	MaxDelay          time.Duration // Maximum delay between redeliveries
	BackoffMultiplier float64       // Multiplier for exponential backoff (e.g., 2.0)
}

// DefaultPolicy returns the default redelivery policy for jobs
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      5 * time.Second,
		MaxDelay:          2 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// CalculateDelay returns the delay before redelivering a job that has
// already failed `failures` times (1 = first failure)
func (p *Policy) CalculateDelay(failures int) time.Duration {
	if failures <= 1 {
		return p.InitialDelay
	}

	// initialDelay * (multiplier ^ (failures-1))
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(failures-1))

	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}

	return time.Duration(delay)
}

// ShouldRetry reports whether a job delivered `attempts` times gets another try
func (p *Policy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// Validate checks if the policy configuration is valid
func (p *Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("MaxAttempts must be at least 1")
	}
	if p.InitialDelay <= 0 {
		return errors.New("InitialDelay must be positive")
	}
	if p.MaxDelay <= 0 {
		return errors.New("MaxDelay must be positive")
	}
	if p.BackoffMultiplier <= 0 {
		return errors.New("BackoffMultiplier must be positive")
	}
	if p.InitialDelay > p.MaxDelay {
		return errors.New("InitialDelay cannot be greater than MaxDelay")
	}
	return nil
}
