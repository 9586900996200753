// Package redis implements storage.Store on top of a Redis deployment.
//
// Records are hashes at <SessionPrefix><tenant>, job queues are lists at
// <QueuePrefix><tenant>, and shared tunables live in one hash whose changes
// are announced on a pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/session-supervisor/internal/storage"
)

const (
	fieldTenantID  = "tenantId"
	fieldPID       = "pid"
	fieldStatus    = "status"
	fieldUpdatedAt = "updatedAt"

	scanBatch     = 100
	reloadMessage = "reload"
)

// updateStatusScript rewrites the status only when the record still exists,
// so a late graceful cleanup never resurrects a deleted record.
var updateStatusScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  redis.call("HSET", KEYS[1], "status", ARGV[1], "updatedAt", ARGV[2])
  return 1
end
return 0
`)

// Options configures a Redis-backed store
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
	Keys     storage.Keys
}

// Store implements storage.Store using Redis
type Store struct {
	client goredis.UniversalClient
	keys   storage.Keys
}

// NewStore wraps an existing client
func NewStore(client goredis.UniversalClient, keys storage.Keys) *Store {
	return &Store{client: client, keys: keys}
}

// Open connects to Redis and verifies the connection
func Open(ctx context.Context, opts Options) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	keys := opts.Keys
	if keys == (storage.Keys{}) {
		keys = storage.DefaultKeys()
	}
	return NewStore(client, keys), nil
}

// PutRecord replaces the tenant's record hash
func (s *Store) PutRecord(ctx context.Context, rec *storage.Record) error {
	if rec == nil || rec.TenantID == "" {
		return errors.New("record must have a tenant ID")
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	key := s.keys.Session(rec.TenantID)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			fieldTenantID, rec.TenantID,
			fieldPID, strconv.Itoa(rec.PID),
			fieldStatus, rec.Status,
			fieldUpdatedAt, updated.UTC().Format(time.RFC3339Nano),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write record for tenant %s: %w", rec.TenantID, err)
	}
	return nil
}

// GetRecord reads the tenant's record hash
func (s *Store) GetRecord(ctx context.Context, tenantID string) (*storage.Record, error) {
	return s.readRecord(ctx, s.keys.Session(tenantID), tenantID)
}

func (s *Store) readRecord(ctx context.Context, key, tenantID string) (*storage.Record, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read record for tenant %s: %w", tenantID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeRecord(tenantID, fields), nil
}

func decodeRecord(tenantID string, fields map[string]string) *storage.Record {
	rec := &storage.Record{
		TenantID: fields[fieldTenantID],
		Status:   fields[fieldStatus],
	}
	if rec.TenantID == "" {
		rec.TenantID = tenantID
	}
	// A malformed pid decodes as 0, which every liveness probe treats as dead
	if pid, err := strconv.Atoi(fields[fieldPID]); err == nil {
		rec.PID = pid
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields[fieldUpdatedAt]); err == nil {
		rec.UpdatedAt = ts
	}
	return rec
}

// DeleteRecord removes the tenant's record hash
func (s *Store) DeleteRecord(ctx context.Context, tenantID string) error {
	if err := s.client.Del(ctx, s.keys.Session(tenantID)).Err(); err != nil {
		return fmt.Errorf("failed to delete record for tenant %s: %w", tenantID, err)
	}
	return nil
}

// ListRecords scans every key under the session prefix
func (s *Store) ListRecords(ctx context.Context) ([]*storage.Record, error) {
	var out []*storage.Record

	iter := s.client.Scan(ctx, 0, s.keys.SessionPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		tenantID, ok := s.keys.TenantFromSession(key)
		if !ok {
			continue
		}
		rec, err := s.readRecord(ctx, key, tenantID)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan records: %w", err)
	}
	return out, nil
}

// UpdateStatus rewrites the status of an existing record
func (s *Store) UpdateStatus(ctx context.Context, tenantID, status string) (bool, error) {
	n, err := updateStatusScript.Run(ctx, s.client,
		[]string{s.keys.Session(tenantID)},
		status, time.Now().UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to update status for tenant %s: %w", tenantID, err)
	}
	return n == 1, nil
}

// Push serializes the job onto the tail of the tenant's list
func (s *Store) Push(ctx context.Context, tenantID string, job *storage.Job) error {
	if job == nil {
		return storage.ErrInvalidJob
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := s.client.RPush(ctx, s.keys.Queue(tenantID), raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job for tenant %s: %w", tenantID, err)
	}
	return nil
}

// PushFront puts a job back at the head of the tenant's list
func (s *Store) PushFront(ctx context.Context, tenantID string, job *storage.Job) error {
	if job == nil {
		return storage.ErrInvalidJob
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := s.client.LPush(ctx, s.keys.Queue(tenantID), raw).Err(); err != nil {
		return fmt.Errorf("failed to requeue job for tenant %s: %w", tenantID, err)
	}
	return nil
}

// BlockingPop waits up to timeout for the head of the tenant's list.
// Redis only supports whole-second timeouts; shorter values round up to 1s.
func (s *Store) BlockingPop(ctx context.Context, tenantID string, timeout time.Duration) (*storage.Job, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	res, err := s.client.BLPop(ctx, timeout, s.keys.Queue(tenantID)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop job for tenant %s: %w", tenantID, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of length %d", len(res))
	}

	var job storage.Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job for tenant %s: %w", tenantID, err)
	}
	return &job, nil
}

// Len reports the length of the tenant's list
func (s *Store) Len(ctx context.Context, tenantID string) (int64, error) {
	n, err := s.client.LLen(ctx, s.keys.Queue(tenantID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length for tenant %s: %w", tenantID, err)
	}
	return n, nil
}

// GetConfig reads the config hash
func (s *Store) GetConfig(ctx context.Context) (map[string]string, error) {
	values, err := s.client.HGetAll(ctx, s.keys.ConfigHash).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return values, nil
}

// SetConfig merges values into the config hash and publishes an invalidation
func (s *Store) SetConfig(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	if err := s.client.HSet(ctx, s.keys.ConfigHash, args...).Err(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := s.client.Publish(ctx, s.keys.ConfigChannel, reloadMessage).Err(); err != nil {
		return fmt.Errorf("failed to publish config invalidation: %w", err)
	}
	return nil
}

// SubscribeConfig forwards invalidations from the config channel until ctx ends
func (s *Store) SubscribeConfig(ctx context.Context) (<-chan struct{}, error) {
	ps := s.client.Subscribe(ctx, s.keys.ConfigChannel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.keys.ConfigChannel, err)
	}

	out := make(chan struct{}, 1)
	msgs := ps.Channel()
	go func() {
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close releases the client
func (s *Store) Close() error {
	return s.client.Close()
}

var _ storage.Store = (*Store)(nil)
