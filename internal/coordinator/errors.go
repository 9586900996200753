package coordinator

import "errors"

// Errors surfaced to callers of the supervisor. Test with errors.Is.
var (
	// ErrAuthTimeout is returned when a session is not authenticated within the auth deadline
	ErrAuthTimeout = errors.New("authentication deadline exceeded")
	// ErrAuthFailed is returned when the worker reports that authentication failed
	ErrAuthFailed = errors.New("authentication failed")
	// ErrInitFailed is returned when the worker could not start its session
	ErrInitFailed = errors.New("session initialization failed")
	// ErrWorkerExited is returned when the worker process exits unexpectedly
	ErrWorkerExited = errors.New("worker exited unexpectedly")
	// ErrWorkerError is returned when the worker fails to spawn or its channel breaks
	ErrWorkerError = errors.New("worker error")
	// ErrTerminated is returned to waiters of a session that was torn down
	ErrTerminated = errors.New("session terminated")
	// ErrSessionNotFound is returned when no session is registered for a tenant
	ErrSessionNotFound = errors.New("session not found")
	// ErrAckTimeout is returned when the worker never acknowledged a job
	ErrAckTimeout = errors.New("job acknowledgment timed out")
	// ErrJobFailed is returned when the worker reports it could not send a job
	ErrJobFailed = errors.New("job failed")
	// ErrNotConnected is returned when a command is sent before the worker has attached
	ErrNotConnected = errors.New("worker not connected")
	// ErrClosed is returned by operations on a closed supervisor
	ErrClosed = errors.New("supervisor closed")
)
