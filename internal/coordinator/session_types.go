package coordinator

import (
	"context"
	"sync"
	"time"
)

// LifecycleState is the state of a session as driven by its worker
type LifecycleState string

const (
	// StateInitializing indicates the worker was forked and has not reported yet
	StateInitializing LifecycleState = "Initializing"
	// StateAwaitingScan indicates the worker is waiting for the user to approve a scan challenge
	StateAwaitingScan LifecycleState = "AwaitingScan"
	// StateReady indicates the worker is connected to the remote network
	StateReady LifecycleState = "Ready"
	// StateActive indicates the worker has persisted its session artifacts
	StateActive LifecycleState = "Active"
	// StateDisconnected indicates the remote network ended the session
	StateDisconnected LifecycleState = "Disconnected"
	// StateAuthFailed indicates authentication was rejected
	StateAuthFailed LifecycleState = "AuthFailed"
	// StateInitFailed indicates the worker could not start its session
	StateInitFailed LifecycleState = "InitFailed"
	// StateTerminating indicates the session is being torn down
	StateTerminating LifecycleState = "Terminating"
)

// Live reports whether the session can carry traffic
func (s LifecycleState) Live() bool {
	return s == StateReady || s == StateActive
}

// Failed reports whether the state is a failure status
func (s LifecycleState) Failed() bool {
	return s == StateAuthFailed || s == StateInitFailed
}

// Finished reports whether the worker can no longer make progress
func (s LifecycleState) Finished() bool {
	switch s {
	case StateDisconnected, StateAuthFailed, StateInitFailed, StateTerminating:
		return true
	}
	return false
}

// SessionInfo is a point-in-time view of a registered session
type SessionInfo struct {
	TenantID       string         `json:"tenantId"`
	PID            int            `json:"pid"`
	State          LifecycleState `json:"state"`
	ScanChallenge  string         `json:"scanChallenge,omitempty"`
	Destroying     bool           `json:"destroying,omitempty"`
	JobsDispatched int            `json:"jobsDispatched"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// ackResult is the worker's verdict on one dispatched job
type ackResult struct {
	err error
}

// session is the in-memory record of one tenant's worker.
// The registry map holds at most one per tenant.
type session struct {
	tenantID   string
	handle     Handle
	initResult *Future[struct{}]
	scanResult *Future[string]
	createdAt  time.Time

	mu           sync.Mutex
	state        LifecycleState
	updatedAt    time.Time
	destroying   bool
	challenge    string
	dispatched   int
	acks         map[string]chan ackResult
	stopDispatch context.CancelFunc
	dispatchDone chan struct{}
	// fullTeardown is set once a fatal event asked for a full teardown
	fullTeardown bool
	// snapshots tracks artifact copies still being written to the mirror
	snapshots sync.WaitGroup
}

func newSession(tenantID string, handle Handle, now time.Time) *session {
	return &session{
		tenantID:   tenantID,
		handle:     handle,
		initResult: NewFuture[struct{}](),
		scanResult: NewFuture[string](),
		createdAt:  now,
		updatedAt:  now,
		state:      StateInitializing,
		acks:       make(map[string]chan ackResult),
	}
}

func (s *session) State() LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState moves to next and returns the previous state
func (s *session) setState(next LifecycleState, now time.Time) LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = next
	s.updatedAt = now
	return prev
}

func (s *session) isDestroying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroying
}

// markDestroying flags the record for teardown; false if it already was
func (s *session) markDestroying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroying {
		return false
	}
	s.destroying = true
	return true
}

// promote advances the session unless it is finished or being torn down
func (s *session) promote(next LifecycleState, now time.Time) (LifecycleState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroying || s.state.Finished() {
		return s.state, false
	}
	prev := s.state
	s.state = next
	s.updatedAt = now
	return prev, true
}

// markIdleDestroying flags the record for teardown unless it is live or
// already being torn down
func (s *session) markIdleDestroying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroying || s.state.Live() {
		return false
	}
	s.destroying = true
	return true
}

// requestFull records that the session must not survive with its artifacts
func (s *session) requestFull() {
	s.mu.Lock()
	s.fullTeardown = true
	s.mu.Unlock()
}

func (s *session) wantsFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullTeardown || s.state.Failed()
}

func (s *session) exited() bool {
	select {
	case <-s.handle.Done():
		return true
	default:
		return false
	}
}

// rejectPending fails whichever futures are still open
func (s *session) rejectPending(err error) {
	s.initResult.Reject(err)
	s.scanResult.Reject(err)
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		TenantID:       s.tenantID,
		PID:            s.handle.PID(),
		State:          s.state,
		ScanChallenge:  s.challenge,
		Destroying:     s.destroying,
		JobsDispatched: s.dispatched,
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
	}
}

// expectAck registers interest in the verdict for correlationID
func (s *session) expectAck(correlationID string) <-chan ackResult {
	ch := make(chan ackResult, 1)
	s.mu.Lock()
	s.acks[correlationID] = ch
	s.mu.Unlock()
	return ch
}

func (s *session) dropAck(correlationID string) {
	s.mu.Lock()
	delete(s.acks, correlationID)
	s.mu.Unlock()
}

// resolveAck delivers a verdict; false when nobody is waiting for it
func (s *session) resolveAck(correlationID string, err error) bool {
	s.mu.Lock()
	ch, ok := s.acks[correlationID]
	delete(s.acks, correlationID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- ackResult{err: err}
	return true
}
