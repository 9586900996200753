package coordinator

import (
	"context"
	"syscall"

	"github.com/AltairaLabs/session-supervisor/internal/ipc"
)

// Handle is the supervisor's view of one worker process
type Handle interface {
	// PID is the operating system process id
	PID() int

	// Send delivers a command to the worker. Returns ErrNotConnected when the
	// worker has not attached its channel yet.
	Send(cmd ipc.Command) error

	// Events delivers worker messages in the order the worker sent them
	Events() <-chan ipc.Event

	// Errors reports spawn or channel failures while the process lives
	Errors() <-chan error

	// Done is closed after the process has exited and every event it sent
	// has been queued on Events
	Done() <-chan struct{}

	// Signal sends sig to the process
	Signal(sig syscall.Signal) error

	// Kill forcibly stops the process
	Kill() error
}

// SpawnRequest describes the worker to start
type SpawnRequest struct {
	TenantID    string
	ArtifactDir string
}

// Spawner starts worker processes
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Handle, error)
}
