// Package memory provides an in-process implementation of storage.Store.
// It backs single-node deployments and tests; nothing survives a restart.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AltairaLabs/session-supervisor/internal/storage"
)

const defaultMaxPerTenant = 10000

var (
	errRecordNil     = errors.New("record cannot be nil")
	errTenantIDEmpty = errors.New("tenant ID cannot be empty")
)

// Store implements storage.Store using in-memory maps
type Store struct {
	mu      sync.Mutex
	records map[string]*storage.Record
	queues  map[string][]*storage.Job
	// pushed is closed and replaced on every push so blocked poppers wake up
	pushed       map[string]chan struct{}
	config       map[string]string
	subscribers  map[int]chan struct{}
	nextSub      int
	maxPerTenant int
	closed       bool
}

// NewStore creates an empty in-memory store. maxPerTenant caps each queue
// (0 = default of 10k jobs).
func NewStore(maxPerTenant int) *Store {
	if maxPerTenant <= 0 {
		maxPerTenant = defaultMaxPerTenant
	}
	return &Store{
		records:      make(map[string]*storage.Record),
		queues:       make(map[string][]*storage.Job),
		pushed:       make(map[string]chan struct{}),
		config:       make(map[string]string),
		subscribers:  make(map[int]chan struct{}),
		maxPerTenant: maxPerTenant,
	}
}

// PutRecord writes a copy of rec
func (s *Store) PutRecord(ctx context.Context, rec *storage.Record) error {
	if rec == nil {
		return errRecordNil
	}
	if rec.TenantID == "" {
		return errTenantIDEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := *rec
	if recCopy.UpdatedAt.IsZero() {
		recCopy.UpdatedAt = time.Now()
	}
	s.records[rec.TenantID] = &recCopy
	return nil
}

// GetRecord returns a copy of the tenant's record, or nil if there is none
func (s *Store) GetRecord(ctx context.Context, tenantID string) (*storage.Record, error) {
	if tenantID == "" {
		return nil, errTenantIDEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[tenantID]
	if !ok {
		return nil, nil
	}
	recCopy := *rec
	return &recCopy, nil
}

// DeleteRecord removes the tenant's record
func (s *Store) DeleteRecord(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return errTenantIDEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, tenantID)
	return nil
}

// ListRecords returns copies of all records ordered by tenant ID
func (s *Store) ListRecords(ctx context.Context) ([]*storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*storage.Record, 0, len(s.records))
	for _, rec := range s.records {
		recCopy := *rec
		out = append(out, &recCopy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// UpdateStatus rewrites the status of an existing record
func (s *Store) UpdateStatus(ctx context.Context, tenantID, status string) (bool, error) {
	if tenantID == "" {
		return false, errTenantIDEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[tenantID]
	if !ok {
		return false, nil
	}
	rec.Status = status
	rec.UpdatedAt = time.Now()
	return true, nil
}

// Push appends a copy of job to the tenant's queue
func (s *Store) Push(ctx context.Context, tenantID string, job *storage.Job) error {
	if tenantID == "" {
		return errTenantIDEmpty
	}
	if job == nil {
		return storage.ErrInvalidJob
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queues[tenantID]) >= s.maxPerTenant {
		return fmt.Errorf("queue full: %d jobs for tenant %s (max %d)",
			len(s.queues[tenantID]), tenantID, s.maxPerTenant)
	}

	jobCopy := *job
	s.queues[tenantID] = append(s.queues[tenantID], &jobCopy)

	if ch, ok := s.pushed[tenantID]; ok {
		close(ch)
		delete(s.pushed, tenantID)
	}
	return nil
}

// PushFront puts a copy of job back at the head of the tenant's queue.
// The queue cap is not enforced since the job was already admitted.
func (s *Store) PushFront(ctx context.Context, tenantID string, job *storage.Job) error {
	if tenantID == "" {
		return errTenantIDEmpty
	}
	if job == nil {
		return storage.ErrInvalidJob
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	jobCopy := *job
	s.queues[tenantID] = append([]*storage.Job{&jobCopy}, s.queues[tenantID]...)

	if ch, ok := s.pushed[tenantID]; ok {
		close(ch)
		delete(s.pushed, tenantID)
	}
	return nil
}

// BlockingPop removes the head job, waiting up to timeout for one to arrive
func (s *Store) BlockingPop(ctx context.Context, tenantID string, timeout time.Duration) (*storage.Job, error) {
	if tenantID == "" {
		return nil, errTenantIDEmpty
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if queue := s.queues[tenantID]; len(queue) > 0 {
			job := queue[0]
			queue[0] = nil
			s.queues[tenantID] = queue[1:]
			if len(s.queues[tenantID]) == 0 {
				delete(s.queues, tenantID)
			}
			s.mu.Unlock()
			return job, nil
		}
		wake, ok := s.pushed[tenantID]
		if !ok {
			wake = make(chan struct{})
			s.pushed[tenantID] = wake
		}
		s.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len reports the number of queued jobs for a tenant
func (s *Store) Len(ctx context.Context, tenantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queues[tenantID])), nil
}

// GetConfig returns a copy of the config hash
func (s *Store) GetConfig(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.config))
	for k, v := range s.config {
		out[k] = v
	}
	return out, nil
}

// SetConfig merges values and notifies subscribers
func (s *Store) SetConfig(ctx context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range values {
		s.config[k] = v
	}
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// A notification is already pending
		}
	}
	return nil
}

// SubscribeConfig returns a channel signaled on every SetConfig until ctx ends
func (s *Store) SubscribeConfig(ctx context.Context) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("store closed")
	}

	id := s.nextSub
	s.nextSub++
	ch := make(chan struct{}, 1)
	s.subscribers[id] = ch

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}()

	return ch, nil
}

// Close drops all subscribers
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.subscribers = make(map[int]chan struct{})
	return nil
}

var _ storage.Store = (*Store)(nil)
