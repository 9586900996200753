package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"k8s.io/utils/clock"

	"github.com/AltairaLabs/session-supervisor/internal/coordinator/config"
)

// MemorySample is resident memory measured against total system memory
type MemorySample struct {
	UsedBytes  uint64
	TotalBytes uint64
}

// Percent returns used memory as a percentage of the total
func (m MemorySample) Percent() float64 {
	if m.TotalBytes == 0 {
		return 0
	}
	return float64(m.UsedBytes) / float64(m.TotalBytes) * 100
}

// MemorySampler measures the memory held by the supervisor and its workers
type MemorySampler interface {
	Sample(ctx context.Context, pids []int) (MemorySample, error)
}

// SystemSampler sums the resident set of this process and the given
// workers using gopsutil
type SystemSampler struct{}

var _ MemorySampler = SystemSampler{}

// Sample implements MemorySampler
func (SystemSampler) Sample(ctx context.Context, pids []int) (MemorySample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return MemorySample{}, fmt.Errorf("failed to read system memory: %w", err)
	}

	sample := MemorySample{TotalBytes: vm.Total}
	for _, pid := range append([]int{os.Getpid()}, pids...) {
		if pid <= 0 {
			continue
		}
		p, err := process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			// exited between listing and sampling
			continue
		}
		info, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			continue
		}
		sample.UsedBytes += info.RSS
	}
	return sample, nil
}

// evictionTarget is the part of the registry the monitor acts on
type evictionTarget interface {
	GetAllSessions() []SessionInfo
	Evict(ctx context.Context, tenantID string, pid int) (bool, error)
}

// Monitor evicts idle sessions while memory stays above a threshold
type Monitor struct {
	target  evictionTarget
	sampler MemorySampler
	cfg     config.MonitorConfig
	clock   clock.WithTicker
	logger  *slog.Logger
	metrics *Metrics

	mu           sync.Mutex
	lastEviction time.Time
}

// NewMonitor creates a resource monitor
func NewMonitor(target evictionTarget, sampler MemorySampler, cfg config.MonitorConfig,
	clk clock.WithTicker, logger *slog.Logger, metrics *Metrics) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = newMetrics()
	}
	return &Monitor{
		target:  target,
		sampler: sampler,
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		metrics: metrics,
	}
}

// Run checks memory every interval until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("Resource monitor started",
		"interval", m.cfg.Interval, "threshold_percent", m.cfg.ThresholdPercent)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Resource monitor stopped")
			return
		case <-ticker.C():
			if _, err := m.Check(ctx); err != nil {
				m.logger.Warn("Resource check failed", "error", err)
			}
		}
	}
}

// Check samples memory once and, when over the threshold and out of
// cooldown, gracefully tears down every session that is not Ready or
// Active. Liveness is decided again at teardown, so a session that became
// Ready after the snapshot survives. Returns the number of sessions evicted.
func (m *Monitor) Check(ctx context.Context) (int, error) {
	sessions := m.target.GetAllSessions()
	pids := make([]int, 0, len(sessions))
	for _, info := range sessions {
		pids = append(pids, info.PID)
	}

	sample, err := m.sampler.Sample(ctx, pids)
	if err != nil {
		return 0, err
	}
	usage := sample.Percent()
	if usage <= m.cfg.ThresholdPercent {
		return 0, nil
	}

	now := m.clock.Now()
	m.mu.Lock()
	if !m.lastEviction.IsZero() && now.Sub(m.lastEviction) < m.cfg.Cooldown {
		m.mu.Unlock()
		m.logger.Debug("Memory above threshold during cooldown", "usage_percent", usage)
		return 0, nil
	}
	m.lastEviction = now
	m.mu.Unlock()

	m.logger.Warn("Memory above threshold, evicting idle sessions",
		"usage_percent", usage,
		"threshold_percent", m.cfg.ThresholdPercent,
		"used_bytes", sample.UsedBytes,
		"total_bytes", sample.TotalBytes)

	evicted := 0
	for _, info := range sessions {
		if info.State.Live() {
			continue
		}
		ok, err := m.target.Evict(ctx, info.TenantID, info.PID)
		if err != nil {
			m.logger.Error("Failed to evict session", "tenant_id", info.TenantID, "error", err)
			continue
		}
		if !ok {
			m.logger.Debug("Session no longer idle, skipping eviction", "tenant_id", info.TenantID)
			continue
		}
		evicted++
		m.metrics.evictions.Inc()
		m.logger.Info("Evicted idle session", "tenant_id", info.TenantID, "status", info.State)
	}
	return evicted, nil
}
