// Package ipc defines the message contract between the supervisor and the
// worker process it forks for each tenant.
//
// Both directions are closed sets: Event values flow worker -> supervisor,
// Command values flow supervisor -> worker. Each set is sealed by an
// unexported marker method so only this package can add members.
package ipc

import "encoding/json"

// Event type names as they appear on the wire
const (
	TypeScanChallenge    = "scan_challenge"
	TypeWorkerReady      = "worker_ready"
	TypeSessionPersisted = "session_persisted"
	TypeDisconnected     = "disconnected"
	TypeAuthFailed       = "auth_failed"
	TypeInitFailed       = "init_failed"
	TypeFatalError       = "fatal_error"
	TypeTerminated       = "terminated"
	TypeJobSent          = "job_sent"
	TypeJobFailed        = "job_failed"
)

// Command type names as they appear on the wire
const (
	TypeTerminate = "terminate"
	TypeSendJob   = "send_job"
)

// Event is a message emitted by a worker.
type Event interface {
	// EventType returns the wire name of the event
	EventType() string
	isEvent()
}

// Command is a message sent to a worker.
type Command interface {
	// CommandType returns the wire name of the command
	CommandType() string
	isCommand()
}

// ScanChallenge carries the out-of-band authentication payload (e.g. a QR code)
type ScanChallenge struct {
	Payload string `json:"payload"`
}

// WorkerReady signals the worker is connected to the remote network
type WorkerReady struct{}

// SessionPersisted signals the worker saved its authentication material
type SessionPersisted struct{}

// Disconnected signals the remote network dropped the session
type Disconnected struct {
	Reason string `json:"reason,omitempty"`
}

// AuthFailed signals the remote network rejected authentication
type AuthFailed struct {
	Error string `json:"error,omitempty"`
}

// InitFailed signals the worker could not start its client
type InitFailed struct {
	Error string `json:"error,omitempty"`
}

// FatalError reports a worker-side fault. Unrecoverable faults (such as a
// destroyed automation context) end the session.
type FatalError struct {
	Error         string `json:"error,omitempty"`
	Unrecoverable bool   `json:"unrecoverable,omitempty"`
}

// Terminated acknowledges a Terminate command right before the worker exits
type Terminated struct{}

// JobSent acknowledges successful delivery of a SendJob command
type JobSent struct {
	CorrelationID string `json:"correlationId"`
}

// JobFailed reports a failed SendJob command
type JobFailed struct {
	CorrelationID string `json:"correlationId"`
	Error         string `json:"error,omitempty"`
}

// Terminate asks the worker to flush its state and exit
type Terminate struct{}

// SendJob asks the worker to deliver one outbound message
type SendJob struct {
	Destination   string `json:"destination"`
	Payload       string `json:"payload"`
	AttachmentRef string `json:"attachmentRef,omitempty"`
	CorrelationID string `json:"correlationId"`
}

func (ScanChallenge) EventType() string    { return TypeScanChallenge }
func (WorkerReady) EventType() string      { return TypeWorkerReady }
func (SessionPersisted) EventType() string { return TypeSessionPersisted }
func (Disconnected) EventType() string     { return TypeDisconnected }
func (AuthFailed) EventType() string       { return TypeAuthFailed }
func (InitFailed) EventType() string       { return TypeInitFailed }
func (FatalError) EventType() string       { return TypeFatalError }
func (Terminated) EventType() string       { return TypeTerminated }
func (JobSent) EventType() string          { return TypeJobSent }
func (JobFailed) EventType() string        { return TypeJobFailed }

func (ScanChallenge) isEvent()    {}
func (WorkerReady) isEvent()      {}
func (SessionPersisted) isEvent() {}
func (Disconnected) isEvent()     {}
func (AuthFailed) isEvent()       {}
func (InitFailed) isEvent()       {}
func (FatalError) isEvent()       {}
func (Terminated) isEvent()       {}
func (JobSent) isEvent()          {}
func (JobFailed) isEvent()        {}

func (Terminate) CommandType() string { return TypeTerminate }
func (SendJob) CommandType() string   { return TypeSendJob }

func (Terminate) isCommand() {}
func (SendJob) isCommand()   {}

// eventDecoders maps wire names to typed decoders
var eventDecoders = map[string]func(json.RawMessage) (Event, error){
	TypeScanChallenge:    decodeEventAs[ScanChallenge],
	TypeWorkerReady:      decodeEventAs[WorkerReady],
	TypeSessionPersisted: decodeEventAs[SessionPersisted],
	TypeDisconnected:     decodeEventAs[Disconnected],
	TypeAuthFailed:       decodeEventAs[AuthFailed],
	TypeInitFailed:       decodeEventAs[InitFailed],
	TypeFatalError:       decodeEventAs[FatalError],
	TypeTerminated:       decodeEventAs[Terminated],
	TypeJobSent:          decodeEventAs[JobSent],
	TypeJobFailed:        decodeEventAs[JobFailed],
}

var commandDecoders = map[string]func(json.RawMessage) (Command, error){
	TypeTerminate: decodeCommandAs[Terminate],
	TypeSendJob:   decodeCommandAs[SendJob],
}
