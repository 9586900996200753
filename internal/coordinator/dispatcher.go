package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/AltairaLabs/session-supervisor/internal/ipc"
	"github.com/AltairaLabs/session-supervisor/internal/storage"
)

// startDispatcher begins draining rec's queue; a no-op if already running
func (s *Supervisor) startDispatcher(rec *session) {
	rec.mu.Lock()
	if rec.stopDispatch != nil || rec.destroying {
		rec.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	rec.stopDispatch = cancel
	rec.dispatchDone = make(chan struct{})
	done := rec.dispatchDone
	rec.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		s.dispatch(ctx, rec)
	}()
}

// stopDispatcher stops rec's dispatcher and waits for it to return
func (s *Supervisor) stopDispatcher(rec *session) {
	rec.mu.Lock()
	cancel, done := rec.stopDispatch, rec.dispatchDone
	rec.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// dispatch is the queue loop of one session: pop, send, await the ack,
// then pause for a paced delay
func (s *Supervisor) dispatch(ctx context.Context, rec *session) {
	logger := s.logger.With("tenant_id", rec.tenantID, "pid", rec.handle.PID())
	logger.Info("Dispatcher started")
	defer logger.Info("Dispatcher stopped")

	for ctx.Err() == nil {
		// the pop itself is never canceled so a job is not lost mid-flight
		job, err := s.store.BlockingPop(context.WithoutCancel(ctx), rec.tenantID, s.queue.PollTimeout)
		if err != nil {
			logger.Error("Failed to pop job", "error", err)
			s.sleep(ctx, s.queue.PollTimeout)
			continue
		}
		if job == nil {
			continue
		}
		job.TenantID = rec.tenantID
		if ctx.Err() != nil {
			s.requeueFront(logger, job)
			return
		}

		var delay time.Duration
		switch s.deliver(ctx, rec, job, logger) {
		case deliveryRequeued:
			s.sleep(ctx, s.queue.PollTimeout)
			continue
		case deliverySent:
			count := s.countSent(rec)
			delay = s.pacer.Next(count)
			logger.Debug("Pacing next job", "count", count, "delay", delay)
		default:
			delay = s.pacer.MessageDelay()
		}
		s.sleep(ctx, delay)
	}
}

// countSent records one accepted job for rec and returns the tenant's
// running total, which survives session restarts
func (s *Supervisor) countSent(rec *session) int {
	rec.mu.Lock()
	rec.dispatched++
	rec.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[rec.tenantID]++
	return s.sent[rec.tenantID]
}

type deliveryOutcome int

const (
	// deliveryRequeued: the job never reached the worker and is back in the queue
	deliveryRequeued deliveryOutcome = iota
	// deliverySent: the worker confirmed the job went out
	deliverySent
	// deliverySettled: the job ended without a confirmed send
	deliverySettled
)

// deliver hands job to the worker and waits for its verdict
func (s *Supervisor) deliver(ctx context.Context, rec *session, job *storage.Job, logger *slog.Logger) deliveryOutcome {
	logger = logger.With("correlation_id", job.CorrelationID)

	ack := rec.expectAck(job.CorrelationID)
	defer rec.dropAck(job.CorrelationID)

	if err := rec.handle.Send(ipc.SendJob{
		Destination:   job.Destination,
		Payload:       job.Payload,
		AttachmentRef: job.AttachmentRef,
		CorrelationID: job.CorrelationID,
	}); err != nil {
		logger.Warn("Failed to hand job to worker", "error", err)
		s.requeueFront(logger, job)
		return deliveryRequeued
	}
	job.Attempts++

	timeout := s.clock.NewTimer(s.queue.AckTimeout)
	defer timeout.Stop()

	select {
	case res := <-ack:
		if res.err == nil {
			s.metrics.jobs.WithLabelValues("sent").Inc()
			logger.Info("Job sent", "attempts", job.Attempts)
			return deliverySent
		}
		s.jobFailed(job, res.err, logger)

	case <-timeout.C():
		// the job may still have gone out; redelivering could duplicate it
		s.metrics.jobs.WithLabelValues("timeout").Inc()
		logger.Error("Job not acknowledged", "error", ErrAckTimeout, "ack_timeout", s.queue.AckTimeout)

	case <-ctx.Done():
		logger.Warn("Dispatcher stopped while awaiting acknowledgment")
	}
	return deliverySettled
}

// jobFailed schedules a redelivery or drops the job once attempts run out
func (s *Supervisor) jobFailed(job *storage.Job, err error, logger *slog.Logger) {
	if !s.policy.ShouldRetry(job.Attempts) {
		s.metrics.jobs.WithLabelValues("dropped").Inc()
		logger.Error("Job dropped after final attempt", "attempts", job.Attempts, "error", err)
		return
	}
	delay := s.policy.CalculateDelay(job.Attempts)
	s.metrics.jobs.WithLabelValues("retried").Inc()
	logger.Warn("Job failed, scheduling retry", "attempts", job.Attempts, "delay", delay, "error", err)
	s.retries.Schedule(job, delay)
}

func (s *Supervisor) requeueFront(logger *slog.Logger, job *storage.Job) {
	ctx, cancel := storeContext()
	defer cancel()
	if err := s.store.PushFront(ctx, job.TenantID, job); err != nil {
		logger.Error("Failed to return job to queue", "correlation_id", job.CorrelationID, "error", err)
	}
}

// sleep waits for d on the supervisor clock unless ctx ends first
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := s.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C():
	}
}
