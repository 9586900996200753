package coordinator

import (
	"context"
	"fmt"

	"github.com/AltairaLabs/session-supervisor/internal/ipc"
)

// watch is the event loop of one session. It sees the worker's messages in
// emission order, then the process exit, and enforces the auth deadline.
func (s *Supervisor) watch(rec *session) {
	logger := s.logger.With("tenant_id", rec.tenantID, "pid", rec.handle.PID())

	deadline := s.clock.NewTimer(s.lifecycle.AuthDeadline)
	defer deadline.Stop()
	authC := deadline.C()

	for {
		select {
		case ev := <-rec.handle.Events():
			s.handleEvent(rec, ev)
			if st := rec.State(); st.Live() || st.Finished() {
				if authC != nil {
					deadline.Stop()
					authC = nil
				}
			}

		case err := <-rec.handle.Errors():
			s.handleWorkerError(rec, err)

		case <-authC:
			authC = nil
			s.handleAuthDeadline(rec)

		case <-rec.handle.Done():
			// Done closes only after the last event was queued
		drain:
			for {
				select {
				case ev := <-rec.handle.Events():
					s.handleEvent(rec, ev)
				default:
					break drain
				}
			}
			s.handleExit(rec)
			logger.Debug("Session event loop finished")
			return
		}
	}
}

// handleEvent applies one worker message to the session
func (s *Supervisor) handleEvent(rec *session, ev ipc.Event) {
	logger := s.logger.With("tenant_id", rec.tenantID, "pid", rec.handle.PID())

	switch ev := ev.(type) {
	case ipc.ScanChallenge:
		st := rec.State()
		if st != StateInitializing && st != StateAwaitingScan {
			logger.Debug("Ignoring scan challenge", "status", st)
			return
		}
		rec.mu.Lock()
		rec.challenge = ev.Payload
		rec.mu.Unlock()
		rec.scanResult.Resolve(ev.Payload)
		// the remote side may take minutes to say more; callers can move on
		rec.initResult.Resolve(struct{}{})
		if st == StateInitializing {
			s.promote(rec, StateAwaitingScan, "scan_challenge")
		}

	case ipc.WorkerReady:
		if !s.promote(rec, StateReady, "worker_ready") {
			logger.Debug("Ignoring worker_ready", "status", rec.State())
			return
		}
		rec.initResult.Resolve(struct{}{})
		s.startDispatcher(rec)

	case ipc.SessionPersisted:
		if !s.promote(rec, StateActive, "session_persisted") {
			logger.Debug("Ignoring session_persisted", "status", rec.State())
			return
		}
		rec.initResult.Resolve(struct{}{})
		s.startDispatcher(rec)
		s.snapshotArtifacts(rec)

	case ipc.Disconnected:
		logger.Warn("Worker disconnected", "reason", ev.Reason)
		s.fail(rec, StateDisconnected, "disconnected: "+ev.Reason,
			fmt.Errorf("%w: disconnected: %s", ErrTerminated, ev.Reason))

	case ipc.AuthFailed:
		logger.Error("Worker authentication failed", "error", ev.Error)
		s.fail(rec, StateAuthFailed, "auth_failed", fmt.Errorf("%w: %s", ErrAuthFailed, ev.Error))

	case ipc.InitFailed:
		logger.Error("Worker initialization failed", "error", ev.Error)
		s.fail(rec, StateInitFailed, "init_failed", fmt.Errorf("%w: %s", ErrInitFailed, ev.Error))

	case ipc.FatalError:
		if !ev.Unrecoverable {
			logger.Warn("Worker reported an error", "error", ev.Error)
			return
		}
		logger.Error("Worker reported an unrecoverable error", "error", ev.Error)
		rec.rejectPending(fmt.Errorf("%w: %s", ErrWorkerError, ev.Error))
		s.triggerCleanup(rec, "fatal_error", true)

	case ipc.Terminated:
		if rec.State() != StateTerminating {
			logger.Debug("Worker reported termination without a request")
			return
		}
		if s.remove(rec) {
			logger.Debug("Session removed after worker terminated")
		}

	case ipc.JobSent:
		if !rec.resolveAck(ev.CorrelationID, nil) {
			logger.Debug("Acknowledgment for unknown job", "correlation_id", ev.CorrelationID)
		}

	case ipc.JobFailed:
		if !rec.resolveAck(ev.CorrelationID, fmt.Errorf("%w: %s", ErrJobFailed, ev.Error)) {
			logger.Debug("Failure for unknown job", "correlation_id", ev.CorrelationID)
		}

	default:
		logger.Warn("Unhandled worker event", "type", ev.EventType())
	}
}

// fail records a fatal status, fails the futures and starts a full teardown
func (s *Supervisor) fail(rec *session, state LifecycleState, reason string, err error) {
	if !rec.isDestroying() {
		s.transition(rec, state, reason)
	}
	rec.rejectPending(err)
	s.triggerCleanup(rec, reason, true)
}

// handleWorkerError reacts to a spawn or channel failure. The artifacts
// survive unless a fatal event already asked for a full teardown.
func (s *Supervisor) handleWorkerError(rec *session, err error) {
	if rec.isDestroying() {
		return
	}
	s.logger.Error("Worker failed", "tenant_id", rec.tenantID, "pid", rec.handle.PID(), "error", err)
	rec.rejectPending(err)
	s.triggerCleanup(rec, "worker_error", rec.wantsFull())
}

// handleExit reacts to the worker process going away. A crash outside a
// failure status leaves the record Disconnected with its artifacts, so the
// next initialize can resume.
func (s *Supervisor) handleExit(rec *session) {
	if rec.isDestroying() {
		return
	}
	full := rec.wantsFull()
	s.logger.Warn("Worker exited unexpectedly",
		"tenant_id", rec.tenantID, "pid", rec.handle.PID(), "status", rec.State(), "full", full)
	rec.rejectPending(ErrWorkerExited)
	s.triggerCleanup(rec, "exit", full)
}

// handleAuthDeadline fires once the worker had its full window to authenticate
func (s *Supervisor) handleAuthDeadline(rec *session) {
	st := rec.State()
	if st.Live() || rec.isDestroying() {
		return
	}
	s.logger.Warn("Session did not authenticate in time",
		"tenant_id", rec.tenantID, "status", st, "deadline", s.lifecycle.AuthDeadline)
	rec.rejectPending(fmt.Errorf("%w after %s", ErrAuthTimeout, s.lifecycle.AuthDeadline))
	s.triggerCleanup(rec, "auth_deadline", true)
}

// transition changes state, persists it and audits it
func (s *Supervisor) transition(rec *session, next LifecycleState, reason string) {
	prev := rec.setState(next, s.clock.Now())
	if prev == next {
		return
	}
	s.persistStatus(rec, next)
	s.audit.LogTransition(context.Background(), rec.tenantID, rec.handle.PID(), prev, next, reason)
}

// promote advances rec, then persists and audits the change. False when
// rec is finished or being torn down.
func (s *Supervisor) promote(rec *session, next LifecycleState, reason string) bool {
	prev, ok := rec.promote(next, s.clock.Now())
	if !ok {
		return false
	}
	if prev != next {
		s.persistStatus(rec, next)
		s.audit.LogTransition(context.Background(), rec.tenantID, rec.handle.PID(), prev, next, reason)
	}
	return true
}

// triggerCleanup starts a teardown of rec without blocking the event loop
func (s *Supervisor) triggerCleanup(rec *session, reason string, full bool) {
	if rec.isDestroying() {
		return
	}
	if full {
		rec.requestFull()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*s.lifecycle.GracePeriod+storeTimeout)
		defer cancel()
		if err := s.cleanup(ctx, rec.tenantID, full, rec); err != nil {
			s.logger.Error("Cleanup failed", "tenant_id", rec.tenantID, "reason", reason, "error", err)
		}
	}()
}

// snapshotArtifacts copies the session artifacts into the mirror
func (s *Supervisor) snapshotArtifacts(rec *session) {
	if s.mirror == nil {
		return
	}
	rec.mu.Lock()
	if rec.destroying {
		rec.mu.Unlock()
		return
	}
	rec.snapshots.Add(1)
	rec.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer rec.snapshots.Done()
		archive, err := s.artifacts.Snapshot(rec.tenantID)
		if err != nil {
			s.logger.Warn("Failed to snapshot session artifacts", "tenant_id", rec.tenantID, "error", err)
			return
		}
		ctx, cancel := storeContext()
		defer cancel()
		if err := s.mirror.Save(ctx, rec.tenantID, archive); err != nil {
			s.logger.Warn("Failed to save artifact snapshot", "tenant_id", rec.tenantID, "error", err)
			return
		}
		s.logger.Debug("Saved artifact snapshot", "tenant_id", rec.tenantID, "size_bytes", len(archive))
	}()
}
