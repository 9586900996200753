package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/session-supervisor/internal/storage"
)

func TestRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0)

	rec, err := s.GetRecord(ctx, "42")
	require.NoError(t, err)
	assert.Nil(t, rec, "missing record should be nil, not an error")

	require.NoError(t, s.PutRecord(ctx, &storage.Record{TenantID: "42", PID: 100, Status: "Initializing"}))

	ok, err := s.UpdateStatus(ctx, "42", "Ready")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err = s.GetRecord(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 100, rec.PID)
	assert.Equal(t, "Ready", rec.Status)

	require.NoError(t, s.DeleteRecord(ctx, "42"))
	ok, err = s.UpdateStatus(ctx, "42", "Disconnected")
	require.NoError(t, err)
	assert.False(t, ok, "status update must not recreate a deleted record")
}

func TestPutRecordValidation(t *testing.T) {
	s := NewStore(0)
	assert.Error(t, s.PutRecord(context.Background(), nil))
	assert.Error(t, s.PutRecord(context.Background(), &storage.Record{}))
}

func TestListRecordsSorted(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0)
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.PutRecord(ctx, &storage.Record{TenantID: id}))
	}

	recs, err := s.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "a", recs[0].TenantID)
	assert.Equal(t, "c", recs[2].TenantID)
}

func TestQueueFIFO(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0)

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, s.Push(ctx, "t", &storage.Job{CorrelationID: id}))
	}

	n, err := s.Len(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, want := range []string{"1", "2", "3"} {
		job, err := s.BlockingPop(ctx, "t", 10*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.CorrelationID)
	}

	job, err := s.BlockingPop(ctx, "t", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job, "empty queue should time out with nil job")
}

func TestPushFront(t *testing.T) {
	ctx := context.Background()
	s := NewStore(1)

	require.NoError(t, s.Push(ctx, "t", &storage.Job{CorrelationID: "2"}))
	require.NoError(t, s.PushFront(ctx, "t", &storage.Job{CorrelationID: "1"}), "requeue ignores the cap")

	for _, want := range []string{"1", "2"} {
		job, err := s.BlockingPop(ctx, "t", 10*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.CorrelationID)
	}
}

func TestBlockingPopWakesOnPush(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0)

	got := make(chan *storage.Job, 1)
	go func() {
		job, _ := s.BlockingPop(ctx, "t", 5*time.Second)
		got <- job
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Push(ctx, "t", &storage.Job{CorrelationID: "late"}))

	select {
	case job := <-got:
		require.NotNil(t, job)
		assert.Equal(t, "late", job.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("BlockingPop did not wake up on push")
	}
}

func TestBlockingPopHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewStore(0).BlockingPop(ctx, "t", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueueCap(t *testing.T) {
	ctx := context.Background()
	s := NewStore(1)
	require.NoError(t, s.Push(ctx, "t", &storage.Job{CorrelationID: "1"}))
	assert.Error(t, s.Push(ctx, "t", &storage.Job{CorrelationID: "2"}))
}

func TestConfigNotifications(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewStore(0)

	ch, err := s.SubscribeConfig(ctx)
	require.NoError(t, err)

	require.NoError(t, s.SetConfig(ctx, map[string]string{"burst_limit": "5"}))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected config notification")
	}

	cfg, err := s.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5", cfg["burst_limit"])
}
