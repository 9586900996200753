// Package storage defines the replicated state store the supervisor mirrors
// its sessions into, and the per-tenant job queues it drains.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidJob is returned when a job is missing a required field
var ErrInvalidJob = errors.New("invalid job")

// Record is the persisted mirror of an in-memory session
type Record struct {
	TenantID  string    `json:"tenantId"`
	PID       int       `json:"pid"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Job is one outbound message waiting in a tenant's queue
type Job struct {
	Destination   string    `json:"destination"`
	Payload       string    `json:"payload"`
	AttachmentRef string    `json:"attachmentRef,omitempty"`
	TenantID      string    `json:"tenantId"`
	CorrelationID string    `json:"correlationId"`
	Attempts      int       `json:"attempts,omitempty"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
}

// Validate checks the job carries what the worker needs to deliver it
func (j *Job) Validate() error {
	if j == nil {
		return errors.Join(ErrInvalidJob, errors.New("job cannot be nil"))
	}
	if j.TenantID == "" {
		return errors.Join(ErrInvalidJob, errors.New("tenant ID cannot be empty"))
	}
	if j.Destination == "" {
		return errors.Join(ErrInvalidJob, errors.New("destination cannot be empty"))
	}
	if j.CorrelationID == "" {
		return errors.Join(ErrInvalidJob, errors.New("correlation ID cannot be empty"))
	}
	return nil
}

// RecordStore persists session records keyed by tenant
type RecordStore interface {
	// PutRecord writes the full record, replacing any previous one
	PutRecord(ctx context.Context, rec *Record) error

	// GetRecord returns nil, nil when the tenant has no record
	GetRecord(ctx context.Context, tenantID string) (*Record, error)

	// DeleteRecord removes a record; deleting a missing record is not an error
	DeleteRecord(ctx context.Context, tenantID string) error

	// ListRecords enumerates every record under the session prefix
	ListRecords(ctx context.Context) ([]*Record, error)

	// UpdateStatus rewrites only the status of an existing record.
	// Returns false when there was no record to update.
	UpdateStatus(ctx context.Context, tenantID, status string) (bool, error)
}

// JobQueue is a FIFO list of jobs per tenant
type JobQueue interface {
	// Push appends a job at the tail of the tenant's queue
	Push(ctx context.Context, tenantID string, job *Job) error

	// PushFront returns a popped job to the head of the tenant's queue
	PushFront(ctx context.Context, tenantID string, job *Job) error

	// BlockingPop removes the head job, waiting up to timeout for one.
	// Returns nil, nil when the timeout elapses with the queue empty.
	BlockingPop(ctx context.Context, tenantID string, timeout time.Duration) (*Job, error)

	// Len reports how many jobs are waiting
	Len(ctx context.Context, tenantID string) (int64, error)
}

// ConfigStore holds the shared tunables and announces changes to them
type ConfigStore interface {
	// GetConfig returns the raw config hash
	GetConfig(ctx context.Context) (map[string]string, error)

	// SetConfig merges values into the config hash and publishes an invalidation
	SetConfig(ctx context.Context, values map[string]string) error

	// SubscribeConfig delivers a signal after every invalidation until ctx ends
	SubscribeConfig(ctx context.Context) (<-chan struct{}, error)
}

// Store is the full replicated store used by the supervisor
type Store interface {
	RecordStore
	JobQueue
	ConfigStore
	Close() error
}

// Keys namespaces every key the supervisor touches
type Keys struct {
	SessionPrefix string
	QueuePrefix   string
	ConfigHash    string
	ConfigChannel string
}

// DefaultKeys returns the standard key layout
func DefaultKeys() Keys {
	return Keys{
		SessionPrefix: "session:",
		QueuePrefix:   "queue:",
		ConfigHash:    "supervisor:config",
		ConfigChannel: "supervisor:config:changed",
	}
}

// Session returns the hash key for a tenant's record
func (k Keys) Session(tenantID string) string {
	return k.SessionPrefix + tenantID
}

// Queue returns the list key for a tenant's jobs
func (k Keys) Queue(tenantID string) string {
	return k.QueuePrefix + tenantID
}

// TenantFromSession extracts the tenant ID from a record key
func (k Keys) TenantFromSession(key string) (string, bool) {
	if len(key) <= len(k.SessionPrefix) || key[:len(k.SessionPrefix)] != k.SessionPrefix {
		return "", false
	}
	return key[len(k.SessionPrefix):], true
}
