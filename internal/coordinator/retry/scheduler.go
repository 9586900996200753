package retry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/AltairaLabs/session-supervisor/internal/storage"
)

// CheckInterval is how often to look for jobs whose backoff has elapsed
const CheckInterval = 1 * time.Second

// Queue is where due jobs are pushed back
type Queue interface {
	Push(ctx context.Context, tenantID string, job *storage.Job) error
}

type pending struct {
	job   *storage.Job
	dueAt time.Time
}

// Scheduler holds failed jobs through their backoff and then appends them
// to the tail of their tenant's queue
type Scheduler struct {
	queue  Queue
	clock  clock.WithTicker
	logger *slog.Logger

	mu      sync.Mutex
	pending []pending
}

// NewScheduler creates a scheduler pushing into queue
func NewScheduler(queue Queue, clk clock.WithTicker, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		queue:  queue,
		clock:  clk,
		logger: logger,
	}
}

// Schedule requeues job once delay has elapsed
func (rs *Scheduler) Schedule(job *storage.Job, delay time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.pending = append(rs.pending, pending{job: job, dueAt: rs.clock.Now().Add(delay)})
}

// Pending reports how many jobs are waiting out their backoff
func (rs *Scheduler) Pending() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.pending)
}

// Start runs the scheduler until ctx is canceled. Jobs still waiting at
// that point are pushed immediately so none are lost on shutdown.
func (rs *Scheduler) Start(ctx context.Context) {
	ticker := rs.clock.NewTicker(CheckInterval)
	defer ticker.Stop()

	rs.logger.Info("Retry scheduler started", "check_interval", CheckInterval)

	for {
		select {
		case <-ticker.C():
			rs.processRetries(ctx, rs.clock.Now())
		case <-ctx.Done():
			// flush with a fresh context; the caller's is already done
			rs.processRetries(context.Background(), time.Time{})
			rs.logger.Info("Retry scheduler stopped")
			return
		}
	}
}

// processRetries pushes every job due at now; a zero now flushes everything
func (rs *Scheduler) processRetries(ctx context.Context, now time.Time) {
	rs.mu.Lock()
	var due []pending
	keep := rs.pending[:0]
	for _, p := range rs.pending {
		if now.IsZero() || !p.dueAt.After(now) {
			due = append(due, p)
		} else {
			keep = append(keep, p)
		}
	}
	rs.pending = keep
	rs.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].dueAt.Before(due[j].dueAt) })

	for _, p := range due {
		if err := rs.queue.Push(ctx, p.job.TenantID, p.job); err != nil {
			rs.logger.Error("Failed to requeue job for retry",
				"tenant_id", p.job.TenantID,
				"correlation_id", p.job.CorrelationID,
				"error", err,
			)
			continue
		}

		rs.logger.Info("Job requeued for retry",
			"tenant_id", p.job.TenantID,
			"correlation_id", p.job.CorrelationID,
			"attempts", p.job.Attempts,
		)
	}
}
