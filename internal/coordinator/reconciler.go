package coordinator

import (
	"context"
	"fmt"

	"github.com/AltairaLabs/session-supervisor/internal/storage"
)

// ReconcileAction is what reconciliation did with one persisted record
type ReconcileAction string

const (
	// ActionHard stopped any orphan and deleted the record and artifacts
	ActionHard ReconcileAction = "hard"
	// ActionSoft marked the record Disconnected and kept the artifacts
	ActionSoft ReconcileAction = "soft"
	// ActionIgnore left the record alone
	ActionIgnore ReconcileAction = "ignore"
)

// ReconcileResult describes the outcome for one record
type ReconcileResult struct {
	TenantID string          `json:"tenantId"`
	PID      int             `json:"pid"`
	Status   string          `json:"status"`
	Alive    bool            `json:"alive"`
	Action   ReconcileAction `json:"action"`
}

// ReconcileReport summarizes a reconciliation pass
type ReconcileReport struct {
	Results []ReconcileResult `json:"results"`
}

// Count returns how many records got action
func (r *ReconcileReport) Count(action ReconcileAction) int {
	n := 0
	for _, res := range r.Results {
		if res.Action == action {
			n++
		}
	}
	return n
}

// Reconcile compares every persisted record with the processes that are
// actually running and resolves disagreements. One record's failure never
// stops the pass.
func (s *Supervisor) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	records, err := s.store.ListRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list session records: %w", err)
	}

	report := &ReconcileReport{Results: make([]ReconcileResult, 0, len(records))}
	for _, rec := range records {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		res := s.reconcileRecord(ctx, rec)
		report.Results = append(report.Results, res)
		s.metrics.reconcile.WithLabelValues(string(res.Action)).Inc()
		s.audit.LogReconcile(ctx, res.TenantID, res.PID, res.Status, res.Action)
	}

	s.logger.Info("Reconciliation finished",
		"records", len(report.Results),
		"hard", report.Count(ActionHard),
		"soft", report.Count(ActionSoft),
		"ignored", report.Count(ActionIgnore))
	return report, nil
}

// decideReconcile picks the action for a record. owned reports whether the
// registry holds a session for this very process.
func decideReconcile(status LifecycleState, alive, owned bool) ReconcileAction {
	switch {
	case alive && !owned:
		return ActionHard
	case status.Failed():
		return ActionHard
	case !alive:
		switch status {
		case StateDisconnected, StateActive, StateReady, StateAwaitingScan:
			return ActionIgnore
		}
		return ActionSoft
	}
	return ActionIgnore
}

func (s *Supervisor) reconcileRecord(ctx context.Context, rec *storage.Record) ReconcileResult {
	s.locks.LockKey(rec.TenantID)
	defer func() { _ = s.locks.UnlockKey(rec.TenantID) }()

	alive := s.procs.Alive(rec.PID)
	current := s.lookup(rec.TenantID)
	owned := current != nil && current.handle.PID() == rec.PID

	res := ReconcileResult{
		TenantID: rec.TenantID,
		PID:      rec.PID,
		Status:   rec.Status,
		Alive:    alive,
		Action:   decideReconcile(LifecycleState(rec.Status), alive, owned),
	}
	logger := s.logger.With("tenant_id", rec.TenantID, "pid", rec.PID, "status", rec.Status)

	switch res.Action {
	case ActionHard:
		switch {
		case owned:
			s.teardownLocked(rec.TenantID, true, current)
		case current != nil:
			// a newer session owns the tenant; only the stray process goes
			if alive {
				logger.Warn("Stopping stray worker of a replaced session")
				s.stopOrphan(ctx, rec.PID)
			}
		default:
			if alive {
				logger.Warn("Stopping orphaned worker")
				s.stopOrphan(ctx, rec.PID)
			}
			s.teardownLocked(rec.TenantID, true, nil)
		}

	case ActionSoft:
		if current != nil {
			// the registry is authoritative while it holds a session
			res.Action = ActionIgnore
			break
		}
		if _, err := s.store.UpdateStatus(ctx, rec.TenantID, string(StateDisconnected)); err != nil {
			logger.Error("Failed to mark stale session disconnected", "error", err)
		}
	}
	return res
}
