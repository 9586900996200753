package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/session-supervisor/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s := NewStore(client, storage.DefaultKeys())
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	require.NoError(t, s.PutRecord(ctx, &storage.Record{TenantID: "42", PID: 4242, Status: "Initializing"}))
	assert.Equal(t, "4242", mr.HGet("session:42", "pid"))

	rec, err := s.GetRecord(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "42", rec.TenantID)
	assert.Equal(t, 4242, rec.PID)
	assert.Equal(t, "Initializing", rec.Status)
	assert.False(t, rec.UpdatedAt.IsZero())

	missing, err := s.GetRecord(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpdateStatusOnlyExisting(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	ok, err := s.UpdateStatus(ctx, "ghost", "Disconnected")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("session:ghost"))

	require.NoError(t, s.PutRecord(ctx, &storage.Record{TenantID: "42", PID: 1, Status: "Ready"}))
	ok, err = s.UpdateStatus(ctx, "42", "Disconnected")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Disconnected", mr.HGet("session:42", "status"))
	assert.Equal(t, "1", mr.HGet("session:42", "pid"))
}

func TestListRecordsIgnoresQueues(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.PutRecord(ctx, &storage.Record{TenantID: "a", Status: "Ready"}))
	require.NoError(t, s.PutRecord(ctx, &storage.Record{TenantID: "b", Status: "Active"}))
	require.NoError(t, s.Push(ctx, "a", &storage.Job{TenantID: "a", Destination: "x", CorrelationID: "1"}))

	recs, err := s.ListRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	require.NoError(t, s.DeleteRecord(ctx, "a"))
	recs, err = s.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].TenantID)
}

func TestQueuePushPop(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	job := &storage.Job{TenantID: "42", Destination: "123", Payload: "hi", CorrelationID: "c1"}
	require.NoError(t, s.Push(ctx, "42", job))

	n, err := s.Len(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.BlockingPop(ctx, "42", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c1", got.CorrelationID)
	assert.Equal(t, "hi", got.Payload)

	n, err = s.Len(ctx, "42")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueuePushFront(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.Push(ctx, "42", &storage.Job{TenantID: "42", Destination: "1", CorrelationID: "second"}))
	require.NoError(t, s.PushFront(ctx, "42", &storage.Job{TenantID: "42", Destination: "1", CorrelationID: "first"}))

	for _, want := range []string{"first", "second"} {
		got, err := s.BlockingPop(ctx, "42", time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.CorrelationID)
	}
}

func TestBlockingPopTimeout(t *testing.T) {
	s, _ := newTestStore(t)

	got, err := s.BlockingPop(context.Background(), "empty", time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConfigPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, _ := newTestStore(t)

	ch, err := s.SubscribeConfig(ctx)
	require.NoError(t, err)

	require.NoError(t, s.SetConfig(ctx, map[string]string{"burst_limit": "7"}))

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("expected invalidation notification")
	}

	cfg, err := s.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "7", cfg["burst_limit"])
}
