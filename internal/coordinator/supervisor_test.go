package coordinator

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/session-supervisor/internal/ipc"
	"github.com/AltairaLabs/session-supervisor/internal/storage"
)

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestScanThenReadyScenario(t *testing.T) {
	h := newHarness(t)
	h.spawner.script = func(w *fakeHandle) {
		w.emit(ipc.ScanChallenge{Payload: "qr-42"})
		w.persist()
		w.emit(ipc.WorkerReady{})
	}
	ctx := context.Background()

	require.NoError(t, h.sup.Initialize(ctx, "42"))

	challenge, err := h.sup.AwaitScanChallenge(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "qr-42", challenge)
	h.waitState(t, "42", StateReady)

	id, err := h.sup.EnqueueJob(ctx, "42", storage.Job{Destination: "+15550100", Payload: "hello"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, err := h.sup.QueueLength(ctx, "42")
		return err == nil && n == 0 && len(h.spawner.last().jobsSent()) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{id}, h.spawner.last().jobsSent())

	require.NoError(t, h.sup.Terminate(ctx, "42", true))
	_, ok := h.sup.GetSession("42")
	assert.False(t, ok)
	assert.True(t, h.hasArtifacts(t, "42"))
	assert.Equal(t, string(StateDisconnected), h.record(t, "42").Status)
}

func TestInitializeConcurrentCallersShareOneWorker(t *testing.T) {
	h := newHarness(t)
	h.spawner.script = readyScript

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.sup.Initialize(context.Background(), "t1")
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, h.spawner.spawned())
}

func TestInitializeLiveSessionIsResolved(t *testing.T) {
	h := newHarness(t)
	h.spawner.script = readyScript
	ctx := context.Background()

	require.NoError(t, h.sup.Initialize(ctx, "t1"))
	h.waitState(t, "t1", StateReady)

	f, err := h.sup.StartSession(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, f.Pending())
	assert.Equal(t, 1, h.spawner.spawned())
}

func TestInitializeRejectsEmptyTenant(t *testing.T) {
	h := newHarness(t)
	require.Error(t, h.sup.Initialize(context.Background(), ""))
	assert.Zero(t, h.spawner.spawned())
}

func TestInitializeSpawnFailure(t *testing.T) {
	h := newHarness(t)
	h.spawner.err = errSpawn

	err := h.sup.Initialize(context.Background(), "t1")
	require.ErrorIs(t, err, ErrWorkerError)
	require.ErrorIs(t, err, errSpawn)
	_, ok := h.sup.GetSession("t1")
	assert.False(t, ok)
}

func TestAuthFailedTearsDownFully(t *testing.T) {
	h := newHarness(t)
	h.seedArtifacts(t, "t1")
	h.spawner.script = func(w *fakeHandle) {
		w.emit(ipc.AuthFailed{Error: "logged out"})
	}

	err := h.sup.Initialize(context.Background(), "t1")
	require.ErrorIs(t, err, ErrAuthFailed)

	h.waitGone(t, "t1")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.sup.metrics.cleanups.WithLabelValues("full")) == 1
	}, waitFor, tick)
	assert.Nil(t, h.record(t, "t1"))
	assert.False(t, h.hasArtifacts(t, "t1"))
}

func TestInitFailedRejectsInitialize(t *testing.T) {
	h := newHarness(t)
	h.spawner.script = func(w *fakeHandle) {
		w.emit(ipc.InitFailed{Error: "browser crashed"})
	}

	err := h.sup.Initialize(context.Background(), "t1")
	require.ErrorIs(t, err, ErrInitFailed)
	assert.Contains(t, err.Error(), "browser crashed")
	h.waitGone(t, "t1")
}

func TestWorkerExitRejectsInitialize(t *testing.T) {
	h := newHarness(t)
	h.spawner.script = func(w *fakeHandle) { w.exit() }

	err := h.sup.Initialize(context.Background(), "t1")
	require.ErrorIs(t, err, ErrWorkerExited)

	h.waitGone(t, "t1")
	require.Eventually(t, func() bool {
		rec := h.record(t, "t1")
		return rec != nil && rec.Status == string(StateDisconnected)
	}, waitFor, tick)
}

func TestWorkerCrashKeepsArtifactsForResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedArtifacts(t, "42")
	h.spawner.script = func(w *fakeHandle) { w.exit() }

	err := h.sup.Initialize(ctx, "42")
	require.ErrorIs(t, err, ErrWorkerExited)
	h.waitGone(t, "42")
	require.Eventually(t, func() bool {
		rec := h.record(t, "42")
		return rec != nil && rec.Status == string(StateDisconnected)
	}, waitFor, tick)

	report, err := h.sup.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, ActionIgnore, report.Results[0].Action)
	assert.Equal(t, string(StateDisconnected), h.record(t, "42").Status)
	assert.True(t, h.hasArtifacts(t, "42"), "crashed session resumes without a new scan")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.sup.metrics.cleanups.WithLabelValues("graceful")) == 1
	}, waitFor, tick)
	assert.Zero(t, testutil.ToFloat64(h.sup.metrics.cleanups.WithLabelValues("full")))
}

func TestInitializeRetriesFailedStartup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.sup.StartSession(ctx, "t1")
	require.NoError(t, err)
	// the startup failed but its teardown has not run yet
	first.Reject(ErrAuthTimeout)

	h.spawner.script = readyScript
	require.NoError(t, h.sup.Initialize(ctx, "t1"))
	assert.Equal(t, 2, h.spawner.spawned())
	assert.Equal(t, 1, h.spawner.all()[0].terminates())
}

func TestAuthDeadlineRejectsPendingSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	f, err := h.sup.StartSession(ctx, "t1")
	require.NoError(t, err)
	require.Eventually(t, h.clock.HasWaiters, waitFor, tick)

	h.clock.Step(testAuthDeadline)

	waitCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	_, err = f.Wait(waitCtx)
	require.ErrorIs(t, err, ErrAuthTimeout)
	h.waitGone(t, "t1")
	assert.Equal(t, 1, h.spawner.last().terminates())
}

func TestAuthDeadlineAlsoFailsScanWaiters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.sup.StartSession(ctx, "t1")
	require.NoError(t, err)

	scan := make(chan error, 1)
	go func() {
		_, err := h.sup.AwaitScanChallenge(ctx, "t1")
		scan <- err
	}()
	require.Eventually(t, h.clock.HasWaiters, waitFor, tick)
	h.clock.Step(testAuthDeadline)

	select {
	case err := <-scan:
		assert.ErrorIs(t, err, ErrAuthTimeout)
	case <-time.After(waitFor):
		t.Fatal("scan waiter never released")
	}
}

func TestAwaitScanChallengeUnknownTenant(t *testing.T) {
	h := newHarness(t)
	_, err := h.sup.AwaitScanChallenge(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRecoverableFatalErrorKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.spawner.script = func(w *fakeHandle) {
		w.emit(ipc.FatalError{Error: "selector timeout"})
		w.emit(ipc.WorkerReady{})
	}
	require.NoError(t, h.sup.Initialize(context.Background(), "t1"))
	h.waitState(t, "t1", StateReady)

	h.spawner.last().emit(ipc.FatalError{Error: "target closed", Unrecoverable: true})
	h.waitGone(t, "t1")
	require.Eventually(t, func() bool { return h.record(t, "t1") == nil }, waitFor, tick)
}

func TestDisconnectedAfterReadyTearsDownFully(t *testing.T) {
	h := newHarness(t)
	h.spawner.script = persistedScript
	require.NoError(t, h.sup.Initialize(context.Background(), "t1"))
	h.waitState(t, "t1", StateActive)
	require.True(t, h.hasArtifacts(t, "t1"))

	h.spawner.last().emit(ipc.Disconnected{Reason: "logged out from phone"})

	h.waitGone(t, "t1")
	require.Eventually(t, func() bool {
		return h.record(t, "t1") == nil && !h.hasArtifacts(t, "t1")
	}, waitFor, tick)
}

func TestTerminateFullRemovesArtifacts(t *testing.T) {
	h := newHarness(t)
	h.spawner.script = persistedScript
	ctx := context.Background()

	require.NoError(t, h.sup.Initialize(ctx, "t1"))
	h.waitState(t, "t1", StateActive)

	require.NoError(t, h.sup.Terminate(ctx, "t1", false))
	_, ok := h.sup.GetSession("t1")
	assert.False(t, ok)
	assert.False(t, h.hasArtifacts(t, "t1"))
	assert.Nil(t, h.record(t, "t1"))
	assert.Equal(t, 1, h.spawner.last().terminates())
}

func TestTerminateUnknownTenantIsNoop(t *testing.T) {
	h := newHarness(t)
	h.seedArtifacts(t, "t1")
	require.NoError(t, h.sup.Terminate(context.Background(), "t1", true))
	assert.True(t, h.hasArtifacts(t, "t1"))
}

func TestConcurrentTerminateRunsOneTeardown(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.spawner.script = readyScript
	h.spawner.onSend = func(w *fakeHandle, cmd ipc.Command) error {
		if _, ok := cmd.(ipc.Terminate); ok {
			<-release
			w.emit(ipc.Terminated{})
			w.exit()
		}
		return nil
	}
	ctx := context.Background()
	require.NoError(t, h.sup.Initialize(ctx, "t1"))
	h.waitState(t, "t1", StateReady)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.sup.Terminate(ctx, "t1", false))
		}()
	}
	w := h.spawner.last()
	require.Eventually(t, func() bool { return w.terminates() == 1 }, waitFor, tick)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, w.terminates())
	_, ok := h.sup.GetSession("t1")
	assert.False(t, ok)
}

func TestTerminateKillsUnresponsiveWorker(t *testing.T) {
	h := newHarness(t)
	h.spawner.script = readyScript
	h.spawner.onSend = func(w *fakeHandle, cmd ipc.Command) error { return nil }
	ctx := context.Background()
	require.NoError(t, h.sup.Initialize(ctx, "t1"))
	h.waitState(t, "t1", StateReady)

	done := make(chan error, 1)
	go func() { done <- h.sup.Terminate(ctx, "t1", true) }()

	w := h.spawner.last()
	require.Eventually(t, func() bool {
		if w.terminates() == 1 {
			h.clock.Step(testGracePeriod)
		}
		return !h.procs.Alive(w.PID())
	}, waitFor, tick)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("terminate did not escalate to kill")
	}
	assert.False(t, h.procs.Alive(w.PID()))
}

func TestTerminateAll(t *testing.T) {
	h := newHarness(t)
	h.spawner.script = persistedScript
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.sup.Initialize(ctx, id))
		h.waitState(t, id, StateActive)
	}

	require.NoError(t, h.sup.TerminateAll(ctx, true))
	assert.Empty(t, h.sup.GetAllSessions())
	for _, id := range []string{"a", "b", "c"} {
		assert.True(t, h.hasArtifacts(t, id))
	}
	assert.Equal(t, float64(3), testutil.ToFloat64(h.sup.metrics.cleanups.WithLabelValues("graceful")))
}

func TestInitializeAfterGracefulTeardownKeepsArtifacts(t *testing.T) {
	h := newHarness(t)
	h.spawner.script = persistedScript
	ctx := context.Background()

	require.NoError(t, h.sup.Initialize(ctx, "t1"))
	h.waitState(t, "t1", StateActive)
	require.NoError(t, h.sup.Terminate(ctx, "t1", true))

	h.spawner.script = readyScript
	require.NoError(t, h.sup.Initialize(ctx, "t1"))
	h.waitState(t, "t1", StateReady)
	assert.True(t, h.hasArtifacts(t, "t1"))
	assert.Equal(t, 2, h.spawner.spawned())
}

func TestInitializeStopsOrphanedWorker(t *testing.T) {
	h := newHarness(t)
	h.seedArtifacts(t, "t1")
	h.procs.setAlive(555, true)
	require.NoError(t, h.store.PutRecord(context.Background(), &storage.Record{
		TenantID: "t1", PID: 555, Status: string(StateActive),
	}))
	h.spawner.script = readyScript

	require.NoError(t, h.sup.Initialize(context.Background(), "t1"))

	assert.Contains(t, h.procs.signaled(), "555:"+syscall.SIGTERM.String())
	assert.False(t, h.procs.Alive(555))
	assert.False(t, h.hasArtifacts(t, "t1"))
	assert.Equal(t, h.spawner.last().PID(), h.record(t, "t1").PID)
}

func TestInitializeOverFailedRecordStartsFresh(t *testing.T) {
	h := newHarness(t)
	h.seedArtifacts(t, "t1")
	require.NoError(t, h.store.PutRecord(context.Background(), &storage.Record{
		TenantID: "t1", PID: 556, Status: string(StateAuthFailed),
	}))
	h.spawner.script = readyScript

	require.NoError(t, h.sup.Initialize(context.Background(), "t1"))
	assert.False(t, h.hasArtifacts(t, "t1"))
	assert.Empty(t, h.procs.signaled())
}

func TestInitializeOverDisconnectedRecordResumes(t *testing.T) {
	h := newHarness(t)
	h.seedArtifacts(t, "t1")
	require.NoError(t, h.store.PutRecord(context.Background(), &storage.Record{
		TenantID: "t1", PID: 557, Status: string(StateDisconnected),
	}))
	h.spawner.script = readyScript

	require.NoError(t, h.sup.Initialize(context.Background(), "t1"))
	assert.True(t, h.hasArtifacts(t, "t1"))
}

func TestSnapshotsFollowSessionArtifacts(t *testing.T) {
	mirror := newMemoryMirror()
	h := newHarness(t, func(o *Options) { o.Mirror = mirror })
	h.spawner.script = persistedScript
	ctx := context.Background()

	require.NoError(t, h.sup.Initialize(ctx, "t1"))
	h.waitState(t, "t1", StateActive)
	require.Eventually(t, func() bool { return mirror.has("t1") }, waitFor, tick)

	// local copy lost, e.g. the supervisor moved hosts
	require.NoError(t, h.sup.Terminate(ctx, "t1", true))
	require.NoError(t, h.dirs.Delete("t1"))

	h.spawner.script = readyScript
	require.NoError(t, h.sup.Initialize(ctx, "t1"))
	assert.True(t, h.hasArtifacts(t, "t1"))

	require.NoError(t, h.sup.Terminate(ctx, "t1", false))
	assert.False(t, mirror.has("t1"))
}

func TestEnqueueJobValidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.sup.EnqueueJob(ctx, "t1", storage.Job{Payload: "no destination"})
	assert.ErrorIs(t, err, storage.ErrInvalidJob)

	_, err = h.sup.EnqueueJob(ctx, "", storage.Job{Destination: "d"})
	assert.ErrorIs(t, err, storage.ErrInvalidJob)

	id, err := h.sup.EnqueueJob(ctx, "t1", storage.Job{Destination: "d", CorrelationID: "mine"})
	require.NoError(t, err)
	assert.Equal(t, "mine", id)

	n, err := h.sup.QueueLength(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGetAllSessionsSnapshot(t *testing.T) {
	h := newHarness(t)
	h.spawner.script = func(w *fakeHandle) {
		w.emit(ipc.ScanChallenge{Payload: "qr"})
	}
	ctx := context.Background()
	require.NoError(t, h.sup.Initialize(ctx, "b"))
	require.NoError(t, h.sup.Initialize(ctx, "a"))
	h.waitState(t, "a", StateAwaitingScan)
	h.waitState(t, "b", StateAwaitingScan)

	want := []SessionInfo{
		{TenantID: "a", State: StateAwaitingScan, ScanChallenge: "qr"},
		{TenantID: "b", State: StateAwaitingScan, ScanChallenge: "qr"},
	}
	got := h.sup.GetAllSessions()
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(SessionInfo{}, "PID", "CreatedAt", "UpdatedAt")); diff != "" {
		t.Errorf("GetAllSessions() mismatch (-want +got):\n%s", diff)
	}
}

func TestClosedSupervisorRejectsInitialize(t *testing.T) {
	h := newHarness(t)
	h.sup.Close()
	assert.ErrorIs(t, h.sup.Initialize(context.Background(), "t1"), ErrClosed)
}
