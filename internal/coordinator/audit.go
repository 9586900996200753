package coordinator

import (
	"context"
	"log/slog"
	"time"
)

// AuditLogger records session lifecycle changes for later inspection
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger: logger,
	}
}

// LogTransition logs a lifecycle state change
func (al *AuditLogger) LogTransition(ctx context.Context, tenantID string, pid int, from, to LifecycleState, reason string) {
	al.logger.InfoContext(ctx, "session_transition",
		"tenant_id", tenantID,
		"pid", pid,
		"from", from,
		"to", to,
		"reason", reason,
	)
}

// LogCleanup logs a completed teardown
func (al *AuditLogger) LogCleanup(ctx context.Context, tenantID string, pid int, full bool, duration time.Duration) {
	mode := "graceful"
	if full {
		mode = "full"
	}
	al.logger.InfoContext(ctx, "session_cleanup",
		"tenant_id", tenantID,
		"pid", pid,
		"mode", mode,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogReconcile logs the action taken for one persisted record
func (al *AuditLogger) LogReconcile(ctx context.Context, tenantID string, pid int, status string, action ReconcileAction) {
	al.logger.InfoContext(ctx, "session_reconcile",
		"tenant_id", tenantID,
		"pid", pid,
		"status", status,
		"action", action,
	)
}
