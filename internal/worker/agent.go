// Package worker is a reference implementation of the worker side of the
// supervisor channel. It stands in for the real messaging client during
// development and in end-to-end tests.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/session-supervisor/internal/ipc"
)

// SessionFile is the artifact that marks a tenant as authenticated
const SessionFile = "session.json"

const (
	sessionFilePerm = 0o600
	artifactDirPerm = 0o700
)

// Conn is the worker end of the channel
type Conn interface {
	Send(ev ipc.Event) error
	Recv() (ipc.Command, error)
	Close() error
}

// DeliverFunc sends one outbound message on behalf of the tenant
type DeliverFunc func(ctx context.Context, job ipc.SendJob) error

// sessionState is what the agent persists after a successful scan
type sessionState struct {
	TenantID    string    `json:"tenantId"`
	Challenge   string    `json:"challenge"`
	PersistedAt time.Time `json:"persistedAt"`
}

// Agent drives one tenant session over a Conn
type Agent struct {
	tenantID      string
	artifactDir   string
	approvalDelay time.Duration
	deliver       DeliverFunc
	logger        *slog.Logger
}

// NewAgent creates an agent; a nil deliver accepts every job
func NewAgent(cfg *Config, deliver DeliverFunc) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tenant_id", cfg.TenantID)
	if deliver == nil {
		deliver = func(ctx context.Context, job ipc.SendJob) error {
			logger.Info("Delivered message", "destination", job.Destination, "correlation_id", job.CorrelationID)
			return nil
		}
	}
	return &Agent{
		tenantID:      cfg.TenantID,
		artifactDir:   cfg.ArtifactDir,
		approvalDelay: cfg.ApprovalDelay,
		deliver:       deliver,
		logger:        logger,
	}
}

// Run authenticates (or resumes) the session and serves commands until
// told to terminate, the channel closes, or ctx is done
func (a *Agent) Run(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	commands := make(chan ipc.Command)
	recvErr := make(chan error, 1)
	go a.receive(ctx, conn, commands, recvErr)

	var (
		approval  <-chan time.Time
		challenge string
	)
	resumed, err := a.resume(conn)
	if err != nil {
		return err
	}
	if !resumed {
		challenge = "scan:" + uuid.NewString()
		if err := conn.Send(ipc.ScanChallenge{Payload: challenge}); err != nil {
			return fmt.Errorf("send scan challenge: %w", err)
		}
		a.logger.Info("Waiting for scan approval", "approval_delay", a.approvalDelay)
		timer := time.NewTimer(a.approvalDelay)
		defer timer.Stop()
		approval = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-recvErr:
			if errors.Is(err, io.EOF) {
				a.logger.Info("Supervisor closed the channel")
				return nil
			}
			return fmt.Errorf("receive command: %w", err)

		case <-approval:
			approval = nil
			if err := a.persist(conn, challenge); err != nil {
				_ = conn.Send(ipc.InitFailed{Error: err.Error()})
				return err
			}

		case cmd := <-commands:
			done, err := a.handle(ctx, conn, cmd)
			if err != nil || done {
				return err
			}
		}
	}
}

func (a *Agent) receive(ctx context.Context, conn Conn, commands chan<- ipc.Command, errs chan<- error) {
	for {
		cmd, err := conn.Recv()
		if errors.Is(err, ipc.ErrBadFrame) {
			a.logger.Warn("Dropping undecodable command", "error", err)
			continue
		}
		if err != nil {
			errs <- err
			return
		}
		select {
		case commands <- cmd:
		case <-ctx.Done():
			return
		}
	}
}

// resume reports whether saved session artifacts let the agent skip the scan
func (a *Agent) resume(conn Conn) (bool, error) {
	data, err := os.ReadFile(filepath.Join(a.artifactDir, SessionFile))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read session artifacts: %w", err)
	}

	var state sessionState
	if err := json.Unmarshal(data, &state); err != nil || state.TenantID != a.tenantID {
		a.logger.Warn("Discarding unusable session artifacts", "error", err)
		return false, nil
	}

	a.logger.Info("Resuming saved session", "persisted_at", state.PersistedAt)
	if err := conn.Send(ipc.WorkerReady{}); err != nil {
		return false, fmt.Errorf("send worker ready: %w", err)
	}
	if err := conn.Send(ipc.SessionPersisted{}); err != nil {
		return false, fmt.Errorf("send session persisted: %w", err)
	}
	return true, nil
}

// persist writes the session artifacts once the scan was approved
func (a *Agent) persist(conn Conn, challenge string) error {
	if err := conn.Send(ipc.WorkerReady{}); err != nil {
		return fmt.Errorf("send worker ready: %w", err)
	}

	data, err := json.Marshal(sessionState{
		TenantID:    a.tenantID,
		Challenge:   challenge,
		PersistedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(a.artifactDir, artifactDirPerm); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(a.artifactDir, SessionFile), data, sessionFilePerm); err != nil {
		return fmt.Errorf("write session artifacts: %w", err)
	}

	a.logger.Info("Session persisted")
	if err := conn.Send(ipc.SessionPersisted{}); err != nil {
		return fmt.Errorf("send session persisted: %w", err)
	}
	return nil
}

// handle executes one command; done is true once the agent should exit
func (a *Agent) handle(ctx context.Context, conn Conn, cmd ipc.Command) (done bool, err error) {
	switch cmd := cmd.(type) {
	case ipc.SendJob:
		if err := a.deliver(ctx, cmd); err != nil {
			a.logger.Warn("Delivery failed", "correlation_id", cmd.CorrelationID, "error", err)
			return false, conn.Send(ipc.JobFailed{CorrelationID: cmd.CorrelationID, Error: err.Error()})
		}
		return false, conn.Send(ipc.JobSent{CorrelationID: cmd.CorrelationID})

	case ipc.Terminate:
		a.logger.Info("Terminating on request")
		return true, conn.Send(ipc.Terminated{})

	default:
		a.logger.Warn("Unhandled command", "type", cmd.CommandType())
		return false, nil
	}
}
