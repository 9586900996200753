// Package coordinator supervises one worker process per tenant: it starts
// workers, tracks their lifecycle, drains their job queues and tears them
// down again, keeping the replicated store and the session artifacts in
// step with the processes that actually exist.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
	"k8s.io/utils/keymutex"

	"github.com/AltairaLabs/session-supervisor/internal/artifacts"
	"github.com/AltairaLabs/session-supervisor/internal/coordinator/config"
	"github.com/AltairaLabs/session-supervisor/internal/coordinator/pacing"
	"github.com/AltairaLabs/session-supervisor/internal/coordinator/retry"
	"github.com/AltairaLabs/session-supervisor/internal/storage"
)

// storeTimeout bounds store and artifact calls made outside a caller's context
const storeTimeout = 10 * time.Second

// tenantLockBuckets sizes the hashed per-tenant mutex
const tenantLockBuckets = 256

// Options wires a Supervisor to its collaborators
type Options struct {
	Store     storage.Store
	Spawner   Spawner
	Artifacts artifacts.Store

	// Mirror keeps an external copy of session artifacts. Optional.
	Mirror artifacts.Mirror
	// Processes probes process liveness. Defaults to OSProcessTable.
	Processes ProcessTable
	// Dispatch supplies live pacing bounds. Defaults to config.DefaultDispatchConfig.
	Dispatch pacing.ConfigSource
	// Sampler measures memory for the resource monitor. Defaults to SystemSampler.
	Sampler MemorySampler

	Lifecycle config.LifecycleConfig
	Queue     config.QueueConfig
	Monitor   config.MonitorConfig
	Retry     retry.Policy

	Clock  clock.WithTicker
	Rand   *rand.Rand
	Logger *slog.Logger
	// Registerer receives the supervisor metrics. Optional.
	Registerer prometheus.Registerer
}

// Supervisor is the session registry. Every tenant has at most one
// registered session, and every session owns exactly one worker.
type Supervisor struct {
	store     storage.Store
	spawner   Spawner
	artifacts artifacts.Store
	mirror    artifacts.Mirror
	procs     ProcessTable
	pacer     *pacing.Pacer
	retries   *retry.Scheduler
	monitor   *Monitor

	lifecycle config.LifecycleConfig
	queue     config.QueueConfig
	policy    retry.Policy

	clock   clock.WithTicker
	logger  *slog.Logger
	audit   *AuditLogger
	metrics *Metrics

	// locks serializes initialize and teardown per tenant
	locks    keymutex.KeyMutex
	cleanups singleflight.Group

	mu       sync.Mutex
	sessions map[string]*session
	// sent counts jobs each tenant's workers accepted, across sessions
	sent map[string]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor
func New(opts Options) (*Supervisor, error) {
	if opts.Store == nil || opts.Spawner == nil || opts.Artifacts == nil {
		return nil, errors.New("store, spawner and artifacts are required")
	}
	if opts.Processes == nil {
		opts.Processes = OSProcessTable{}
	}
	if opts.Dispatch == nil {
		opts.Dispatch = pacing.Static(config.DefaultDispatchConfig())
	}
	if opts.Sampler == nil {
		opts.Sampler = SystemSampler{}
	}
	if opts.Lifecycle == (config.LifecycleConfig{}) {
		opts.Lifecycle = config.DefaultLifecycleConfig()
	}
	if opts.Queue == (config.QueueConfig{}) {
		opts.Queue = config.DefaultQueueConfig()
	}
	if opts.Monitor == (config.MonitorConfig{}) {
		opts.Monitor = config.DefaultMonitorConfig()
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.DefaultPolicy()
		opts.Retry.MaxAttempts = opts.Queue.MaxAttempts
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		store:     opts.Store,
		spawner:   opts.Spawner,
		artifacts: opts.Artifacts,
		mirror:    opts.Mirror,
		procs:     opts.Processes,
		pacer:     pacing.New(opts.Dispatch, opts.Rand),
		retries:   retry.NewScheduler(opts.Store, opts.Clock, opts.Logger),
		lifecycle: opts.Lifecycle,
		queue:     opts.Queue,
		policy:    opts.Retry,
		clock:     opts.Clock,
		logger:    opts.Logger,
		audit:     NewAuditLogger(opts.Logger),
		metrics:   newMetrics(),
		locks:     keymutex.NewHashed(tenantLockBuckets),
		sessions:  make(map[string]*session),
		sent:      make(map[string]int),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.monitor = NewMonitor(s, opts.Sampler, opts.Monitor, opts.Clock, opts.Logger, s.metrics)

	if opts.Registerer != nil {
		if err := s.metrics.register(opts.Registerer, s); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return s, nil
}

// Run starts the resource monitor and the retry scheduler and blocks
// until ctx is done
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.retries.Start(ctx) }()
	go func() { defer wg.Done(); s.monitor.Run(ctx) }()
	wg.Wait()
}

// Close stops every dispatcher and waits for session goroutines to finish.
// Workers are left running; call TerminateAll first to stop them.
func (s *Supervisor) Close() {
	s.cancel()
	s.wg.Wait()
}

// StartSession begins initializing tenantID and returns the future that
// resolves once the session is usable (or a scan challenge is available).
// Concurrent callers for the same tenant share one future.
func (s *Supervisor) StartSession(ctx context.Context, tenantID string) (*Future[struct{}], error) {
	if tenantID == "" {
		return nil, errors.New("tenant ID cannot be empty")
	}
	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}

	s.locks.LockKey(tenantID)
	defer func() { _ = s.locks.UnlockKey(tenantID) }()

	if rec := s.lookup(tenantID); rec != nil {
		if !rec.exited() && !rec.isDestroying() {
			switch rec.State() {
			case StateActive, StateReady:
				return Resolved(struct{}{}), nil
			case StateInitializing, StateAwaitingScan:
				// a startup that already failed is retired below
				if !rec.initResult.Failed() {
					return rec.initResult, nil
				}
			}
		}

		// a previous worker may still be alive; never fork beside it
		full := rec.State().Failed() || s.procs.Alive(rec.handle.PID())
		s.logger.Info("Retiring previous session before initialize",
			"tenant_id", tenantID, "status", rec.State(), "full", full)
		s.teardownLocked(tenantID, full, rec)
	} else if err := s.retirePersisted(ctx, tenantID); err != nil {
		return nil, err
	}

	return s.spawnLocked(ctx, tenantID)
}

// Initialize starts tenantID and waits until the session is usable
func (s *Supervisor) Initialize(ctx context.Context, tenantID string) error {
	f, err := s.StartSession(ctx, tenantID)
	if err != nil {
		return err
	}
	_, err = f.Wait(ctx)
	return err
}

// retirePersisted clears a record left behind by a previous supervisor run
func (s *Supervisor) retirePersisted(ctx context.Context, tenantID string) error {
	rec, err := s.store.GetRecord(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to read session record: %w", err)
	}
	if rec == nil {
		return nil
	}

	alive := s.procs.Alive(rec.PID)
	full := alive || LifecycleState(rec.Status).Failed()
	if alive {
		s.logger.Warn("Stopping orphaned worker before initialize",
			"tenant_id", tenantID, "pid", rec.PID, "status", rec.Status)
		s.stopOrphan(ctx, rec.PID)
	}
	if full {
		s.teardownLocked(tenantID, true, nil)
	}
	return nil
}

// spawnLocked forks a worker and registers its session.
// The caller holds the tenant lock.
func (s *Supervisor) spawnLocked(ctx context.Context, tenantID string) (*Future[struct{}], error) {
	s.restoreArtifacts(ctx, tenantID)

	handle, err := s.spawner.Spawn(ctx, SpawnRequest{
		TenantID:    tenantID,
		ArtifactDir: s.artifacts.Path(tenantID),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: spawn: %w", ErrWorkerError, err)
	}

	rec := newSession(tenantID, handle, s.clock.Now())
	s.mu.Lock()
	s.sessions[tenantID] = rec
	s.mu.Unlock()

	if err := s.store.PutRecord(ctx, &storage.Record{
		TenantID: tenantID,
		PID:      handle.PID(),
		Status:   string(StateInitializing),
	}); err != nil {
		s.logger.Error("Failed to persist session record", "tenant_id", tenantID, "error", err)
	}
	s.audit.LogTransition(ctx, tenantID, handle.PID(), "", StateInitializing, "spawned")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watch(rec)
	}()

	return rec.initResult, nil
}

// restoreArtifacts brings back a mirrored snapshot when the local copy is gone
func (s *Supervisor) restoreArtifacts(ctx context.Context, tenantID string) {
	if s.mirror == nil {
		return
	}
	exists, err := s.artifacts.Exists(tenantID)
	if err != nil || exists {
		return
	}
	archive, err := s.mirror.Load(ctx, tenantID)
	if err != nil {
		s.logger.Warn("Failed to load artifact snapshot", "tenant_id", tenantID, "error", err)
		return
	}
	if archive == nil {
		return
	}
	if err := s.artifacts.Restore(tenantID, archive); err != nil {
		s.logger.Warn("Failed to restore artifact snapshot", "tenant_id", tenantID, "error", err)
		return
	}
	s.logger.Info("Restored session artifacts from snapshot", "tenant_id", tenantID, "size_bytes", len(archive))
}

// GetSession returns the registered session for tenantID
func (s *Supervisor) GetSession(tenantID string) (SessionInfo, bool) {
	rec := s.lookup(tenantID)
	if rec == nil {
		return SessionInfo{}, false
	}
	return rec.info(), true
}

// GetAllSessions returns every registered session ordered by tenant
func (s *Supervisor) GetAllSessions() []SessionInfo {
	s.mu.Lock()
	recs := make([]*session, 0, len(s.sessions))
	for _, rec := range s.sessions {
		recs = append(recs, rec)
	}
	s.mu.Unlock()

	out := make([]SessionInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// AwaitScanChallenge waits for the scan challenge of tenantID's session
func (s *Supervisor) AwaitScanChallenge(ctx context.Context, tenantID string) (string, error) {
	rec := s.lookup(tenantID)
	if rec == nil {
		return "", ErrSessionNotFound
	}
	return rec.scanResult.Wait(ctx)
}

// EnqueueJob validates job and appends it to tenantID's queue. Jobs are
// accepted whether or not the tenant has a live session; they are
// delivered once one is Ready. Returns the job's correlation ID.
func (s *Supervisor) EnqueueJob(ctx context.Context, tenantID string, job storage.Job) (string, error) {
	job.TenantID = tenantID
	if job.CorrelationID == "" {
		job.CorrelationID = uuid.NewString()
	}
	job.Attempts = 0
	job.EnqueuedAt = s.clock.Now()
	if err := job.Validate(); err != nil {
		return "", err
	}

	if err := s.store.Push(ctx, tenantID, &job); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	s.logger.Debug("Job enqueued", "tenant_id", tenantID, "correlation_id", job.CorrelationID)
	return job.CorrelationID, nil
}

// QueueLength reports how many jobs wait for tenantID
func (s *Supervisor) QueueLength(ctx context.Context, tenantID string) (int64, error) {
	return s.store.Len(ctx, tenantID)
}

// storeContext bounds collaborator calls that must finish even after the
// triggering caller or the supervisor itself has gone away
func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

func (s *Supervisor) lookup(tenantID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[tenantID]
}

// remove unregisters rec if it is still the tenant's session
func (s *Supervisor) remove(rec *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[rec.tenantID] != rec {
		return false
	}
	delete(s.sessions, rec.tenantID)
	return true
}

// persistStatus mirrors a state change into the store
func (s *Supervisor) persistStatus(rec *session, state LifecycleState) {
	ctx, cancel := storeContext()
	defer cancel()
	ok, err := s.store.UpdateStatus(ctx, rec.tenantID, string(state))
	if err != nil {
		s.logger.Error("Failed to persist session status",
			"tenant_id", rec.tenantID, "status", state, "error", err)
		return
	}
	if !ok {
		// the record was lost; write it whole again
		if err := s.store.PutRecord(ctx, &storage.Record{
			TenantID: rec.tenantID,
			PID:      rec.handle.PID(),
			Status:   string(state),
		}); err != nil {
			s.logger.Error("Failed to rewrite session record", "tenant_id", rec.tenantID, "error", err)
		}
	}
}
