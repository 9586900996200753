package coordinator

import (
	"context"
	"errors"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AltairaLabs/session-supervisor/internal/ipc"
)

// orphanPollInterval is how often a signaled orphan is probed for exit
const orphanPollInterval = 100 * time.Millisecond

// Terminate tears down tenantID's session. A graceful teardown keeps the
// session artifacts so the next initialize resumes without a new scan.
func (s *Supervisor) Terminate(ctx context.Context, tenantID string, graceful bool) error {
	return s.cleanup(ctx, tenantID, !graceful, nil)
}

// TerminateAll tears down every registered session, a bounded number at a time
func (s *Supervisor) TerminateAll(ctx context.Context, graceful bool) error {
	sessions := s.GetAllSessions()

	var g errgroup.Group
	g.SetLimit(s.lifecycle.TeardownConcurrency)
	for _, info := range sessions {
		tenantID := info.TenantID
		g.Go(func() error {
			return s.Terminate(ctx, tenantID, graceful)
		})
	}
	return g.Wait()
}

// cleanup runs at most one teardown per tenant at a time; concurrent callers
// share the in-flight one. When expect is set the teardown only applies to
// that session and is skipped once the tenant has moved on.
func (s *Supervisor) cleanup(ctx context.Context, tenantID string, full bool, expect *session) error {
	if expect != nil && s.lookup(tenantID) != expect {
		return nil
	}

	ch := s.cleanups.DoChan(tenantID, func() (any, error) {
		s.locks.LockKey(tenantID)
		defer func() { _ = s.locks.UnlockKey(tenantID) }()

		rec := s.lookup(tenantID)
		if expect != nil && rec != expect {
			return nil, nil
		}
		s.teardownLocked(tenantID, full || (rec != nil && rec.wantsFull()), rec)
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Evict gracefully tears down tenantID's session if it is still the one
// running pid and has not reached Ready or Active. Reports whether it did.
func (s *Supervisor) Evict(ctx context.Context, tenantID string, pid int) (bool, error) {
	ch := s.cleanups.DoChan(tenantID, func() (any, error) {
		s.locks.LockKey(tenantID)
		defer func() { _ = s.locks.UnlockKey(tenantID) }()

		rec := s.lookup(tenantID)
		if rec == nil || rec.handle.PID() != pid || !rec.markIdleDestroying() {
			return false, nil
		}
		s.teardownLocked(tenantID, rec.wantsFull(), rec)
		return true, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		// a shared flight may belong to another kind of teardown
		evicted, _ := res.Val.(bool)
		return evicted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// teardownLocked stops rec's worker, unregisters it and clears (full) or
// marks (graceful) the persisted state. Every step runs even when an
// earlier one failed. The caller holds the tenant lock; rec may be nil.
func (s *Supervisor) teardownLocked(tenantID string, full bool, rec *session) {
	start := s.clock.Now()
	pid := 0

	if rec != nil {
		pid = rec.handle.PID()
		rec.markDestroying()
		prev := rec.setState(StateTerminating, start)
		if prev != StateTerminating {
			s.persistStatus(rec, StateTerminating)
			s.audit.LogTransition(context.Background(), tenantID, pid, prev, StateTerminating, "cleanup")
		}

		s.stopDispatcher(rec)
		s.stopWorker(rec)
		rec.rejectPending(ErrTerminated)
		s.remove(rec)
		rec.snapshots.Wait()
	}

	ctx, cancel := storeContext()
	defer cancel()

	if full {
		if err := s.store.DeleteRecord(ctx, tenantID); err != nil {
			s.logger.Error("Failed to delete session record", "tenant_id", tenantID, "error", err)
		}
		if err := s.artifacts.Delete(tenantID); err != nil {
			s.logger.Error("Failed to delete session artifacts", "tenant_id", tenantID, "error", err)
		}
		if s.mirror != nil {
			if err := s.mirror.Delete(ctx, tenantID); err != nil {
				s.logger.Error("Failed to delete artifact snapshot", "tenant_id", tenantID, "error", err)
			}
		}
	} else {
		if _, err := s.store.UpdateStatus(ctx, tenantID, string(StateDisconnected)); err != nil {
			s.logger.Error("Failed to mark session disconnected", "tenant_id", tenantID, "error", err)
		}
	}

	s.metrics.cleanup(full)
	s.audit.LogCleanup(context.Background(), tenantID, pid, full, s.clock.Since(start))
}

// stopWorker asks the worker to exit, then kills it after the grace period
func (s *Supervisor) stopWorker(rec *session) {
	h := rec.handle
	if rec.exited() {
		return
	}
	logger := s.logger.With("tenant_id", rec.tenantID, "pid", h.PID())

	if err := h.Send(ipc.Terminate{}); err != nil {
		logger.Debug("Terminate command not delivered, signaling", "error", err)
		if err := h.Signal(syscall.SIGTERM); err != nil {
			logger.Warn("Failed to signal worker", "error", err)
		}
	}

	grace := s.clock.NewTimer(s.lifecycle.GracePeriod)
	defer grace.Stop()
	select {
	case <-h.Done():
		return
	case <-grace.C():
	}

	logger.Warn("Worker did not exit within grace period, killing", "grace_period", s.lifecycle.GracePeriod)
	if err := h.Kill(); err != nil {
		logger.Error("Failed to kill worker", "error", err)
	}

	reap := s.clock.NewTimer(s.lifecycle.GracePeriod)
	defer reap.Stop()
	select {
	case <-h.Done():
	case <-reap.C():
		logger.Error("Worker still running after kill")
	}
}

// stopOrphan terminates a worker this supervisor has no handle for
func (s *Supervisor) stopOrphan(ctx context.Context, pid int) {
	logger := s.logger.With("pid", pid)
	if err := s.procs.Signal(pid, syscall.SIGTERM); err != nil {
		logger.Warn("Failed to signal orphaned worker", "error", err)
	}

	deadline := s.clock.Now().Add(s.lifecycle.GracePeriod)
	for s.procs.Alive(pid) {
		if !s.clock.Now().Before(deadline) {
			logger.Warn("Orphaned worker ignored SIGTERM, killing")
			if err := s.procs.Signal(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				logger.Error("Failed to kill orphaned worker", "error", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(orphanPollInterval):
		}
	}
}
