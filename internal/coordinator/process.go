package coordinator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AltairaLabs/session-supervisor/internal/ipc"
)

const (
	eventBuffer       = 64
	scannerBufferSize = 64 * 1024
	// pumpDrainTimeout bounds how long Done waits for the channel to drain after exit
	pumpDrainTimeout = 5 * time.Second
)

// ProcessSpawner forks worker binaries and accepts their channel connections.
// It implements ipc.ChannelServer; register it on the gRPC server listening
// on SocketPath.
type ProcessSpawner struct {
	binary     string
	args       []string
	socketPath string
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]*processHandle // attach token -> handle
}

// NewProcessSpawner creates a spawner for binary
func NewProcessSpawner(binary string, args []string, socketPath string, logger *slog.Logger) *ProcessSpawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessSpawner{
		binary:     binary,
		args:       args,
		socketPath: socketPath,
		logger:     logger,
		pending:    make(map[string]*processHandle),
	}
}

// Spawn starts a worker for req.TenantID
func (ps *ProcessSpawner) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	binaryPath, err := exec.LookPath(ps.binary)
	if err != nil {
		return nil, fmt.Errorf("worker binary %q not found: %w", ps.binary, err)
	}

	token := uuid.NewString()
	cmd := exec.Command(binaryPath, ps.args...)
	cmd.Env = append(os.Environ(),
		ipc.EnvSocket+"="+ps.socketPath,
		ipc.EnvTenantID+"="+req.TenantID,
		ipc.EnvWorkerToken+"="+token,
		ipc.EnvArtifactDir+"="+req.ArtifactDir,
	)
	// own process group so a terminal interrupt reaches only the supervisor
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	h := newProcessHandle(req.TenantID, cmd.Process.Pid, cmd.Process)
	logger := ps.logger.With("tenant_id", req.TenantID, "pid", h.pid)

	ps.mu.Lock()
	ps.pending[token] = h
	ps.mu.Unlock()

	var output sync.WaitGroup
	output.Add(2)
	go func() { defer output.Done(); scanOutput(logger, stdout, "stdout") }()
	go func() { defer output.Done(); scanOutput(logger, stderr, "stderr") }()

	go func() {
		// pipes must be drained before Wait closes them
		output.Wait()
		err := cmd.Wait()

		ps.mu.Lock()
		delete(ps.pending, token)
		ps.mu.Unlock()

		logger.Info("Worker process exited", "error", err)
		h.exit()
	}()

	logger.Info("Worker process started", "binary", binaryPath)
	return h, nil
}

// Connect implements ipc.ChannelServer
func (ps *ProcessSpawner) Connect(stream grpc.ServerStream) error {
	tenantID, token, err := ipc.Identity(stream.Context())
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}

	ps.mu.Lock()
	h, ok := ps.pending[token]
	if ok && h.tenantID == tenantID {
		// tokens are single use
		delete(ps.pending, token)
	}
	ps.mu.Unlock()

	if !ok || h.tenantID != tenantID {
		ps.logger.Warn("Rejected worker connection", "tenant_id", tenantID)
		return status.Error(codes.PermissionDenied, "unknown worker token")
	}

	ss := ipc.NewSupervisorStream(stream)
	if !h.attach() {
		return status.Error(codes.FailedPrecondition, "worker already exited")
	}
	ps.logger.Info("Worker channel attached", "tenant_id", tenantID, "pid", h.pid)

	h.pump(ss, ps.logger.With("tenant_id", tenantID, "pid", h.pid))
	return nil
}

func scanOutput(logger *slog.Logger, pipe io.Reader, stream string) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, scannerBufferSize), scannerBufferSize)
	for scanner.Scan() {
		logger.Debug("Worker output", "stream", stream, "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("Worker output scanner failed", "stream", stream, "error", err)
	}
}

// processHandle implements Handle for a forked worker
type processHandle struct {
	tenantID string
	pid      int
	process  *os.Process

	events chan ipc.Event
	errs   chan error
	exited chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	stream   *ipc.SupervisorStream
	attached bool
	gone     bool
	pumpDone chan struct{}
}

func newProcessHandle(tenantID string, pid int, process *os.Process) *processHandle {
	return &processHandle{
		tenantID: tenantID,
		pid:      pid,
		process:  process,
		events:   make(chan ipc.Event, eventBuffer),
		errs:     make(chan error, 1),
		exited:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (h *processHandle) PID() int                 { return h.pid }
func (h *processHandle) Events() <-chan ipc.Event { return h.events }
func (h *processHandle) Errors() <-chan error     { return h.errs }
func (h *processHandle) Done() <-chan struct{}    { return h.done }

func (h *processHandle) Send(cmd ipc.Command) error {
	h.mu.Lock()
	stream := h.stream
	h.mu.Unlock()
	if stream == nil {
		return ErrNotConnected
	}
	if err := stream.Send(cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.CommandType(), err)
	}
	return nil
}

func (h *processHandle) Signal(sig syscall.Signal) error {
	return h.process.Signal(sig)
}

func (h *processHandle) Kill() error {
	return h.process.Kill()
}

// attach claims the handle for one channel; false once the process is gone
// or a channel was already attached
func (h *processHandle) attach() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gone || h.attached {
		return false
	}
	h.attached = true
	h.pumpDone = make(chan struct{})
	return true
}

// pump forwards worker events until the channel ends
func (h *processHandle) pump(ss *ipc.SupervisorStream, logger *slog.Logger) {
	h.mu.Lock()
	h.stream = ss
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.stream = nil
		close(h.pumpDone)
		h.mu.Unlock()
	}()

	for {
		ev, err := ss.Recv()
		if errors.Is(err, ipc.ErrBadFrame) {
			logger.Warn("Dropping undecodable worker frame", "error", err)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
				h.report(fmt.Errorf("%w: channel: %w", ErrWorkerError, err))
			}
			return
		}
		select {
		case h.events <- ev:
		case <-h.done:
			return
		}
	}
}

func (h *processHandle) report(err error) {
	// failures after exit are covered by the exit itself
	select {
	case <-h.exited:
		return
	default:
	}
	select {
	case h.errs <- err:
	default:
	}
}

// exit records the process exit and closes Done once the channel drained
func (h *processHandle) exit() {
	h.mu.Lock()
	h.gone = true
	pumpDone := h.pumpDone
	h.mu.Unlock()
	close(h.exited)

	if pumpDone != nil {
		select {
		case <-pumpDone:
		case <-time.After(pumpDrainTimeout):
		}
	}
	close(h.done)
}
