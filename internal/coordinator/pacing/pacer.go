// Package pacing spaces out outbound jobs so a session's sending pattern
// stays bursty and irregular rather than machine-regular.
package pacing

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/AltairaLabs/session-supervisor/internal/coordinator/config"
)

// ConfigSource returns the live dispatch bounds
type ConfigSource interface {
	Current() config.DispatchConfig
}

// Static is a ConfigSource that never changes
type Static config.DispatchConfig

// Current implements ConfigSource
func (s Static) Current() config.DispatchConfig { return config.DispatchConfig(s) }

// Pacer computes the pause after each dispatched job
type Pacer struct {
	source ConfigSource

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a pacer. A nil rng uses a randomly seeded source.
func New(source ConfigSource, rng *rand.Rand) *Pacer {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Pacer{source: source, rng: rng}
}

// Next returns the delay to wait after the count-th sent job (count
// starts at 1). Every burstLimit-th job is followed by a rest.
func (p *Pacer) Next(count int) time.Duration {
	cfg := p.source.Current()
	if IsRest(count, cfg.BurstLimit) {
		return p.between(cfg.RestDelayMin, cfg.RestDelayMax)
	}
	return p.between(cfg.MessageDelayMin, cfg.MessageDelayMax)
}

// MessageDelay returns an ordinary between-jobs pause, used when a job
// did not count toward the burst
func (p *Pacer) MessageDelay() time.Duration {
	cfg := p.source.Current()
	return p.between(cfg.MessageDelayMin, cfg.MessageDelayMax)
}

// IsRest reports whether the pause after the count-th job is a rest pause
func IsRest(count, burstLimit int) bool {
	return burstLimit > 0 && count > 0 && count%burstLimit == 0
}

// between draws uniformly from [lo, hi]
func (p *Pacer) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo + time.Duration(p.rng.Int64N(int64(hi-lo)+1))
}
