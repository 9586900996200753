package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/AltairaLabs/session-supervisor/internal/artifacts"
	"github.com/AltairaLabs/session-supervisor/internal/coordinator/config"
	"github.com/AltairaLabs/session-supervisor/internal/coordinator/pacing"
	"github.com/AltairaLabs/session-supervisor/internal/coordinator/retry"
	"github.com/AltairaLabs/session-supervisor/internal/ipc"
	"github.com/AltairaLabs/session-supervisor/internal/storage"
	"github.com/AltairaLabs/session-supervisor/internal/storage/memory"
)

const (
	testGracePeriod  = time.Second
	testAuthDeadline = time.Minute
	testAckTimeout   = 30 * time.Second
	waitFor          = 2 * time.Second
	tick             = 5 * time.Millisecond
)

// sendHook replaces the default worker reaction to a command
type sendHook func(h *fakeHandle, cmd ipc.Command) error

// fakeHandle is an in-process worker. By default it acknowledges every
// job and exits on terminate.
type fakeHandle struct {
	pid   int
	dir   string
	procs *fakeProcs

	events chan ipc.Event
	errs   chan error
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	sent   []ipc.Command
	onSend sendHook
}

func (h *fakeHandle) PID() int                 { return h.pid }
func (h *fakeHandle) Events() <-chan ipc.Event { return h.events }
func (h *fakeHandle) Errors() <-chan error     { return h.errs }
func (h *fakeHandle) Done() <-chan struct{}    { return h.done }

func (h *fakeHandle) Send(cmd ipc.Command) error {
	h.mu.Lock()
	h.sent = append(h.sent, cmd)
	hook := h.onSend
	h.mu.Unlock()

	if hook != nil {
		return hook(h, cmd)
	}
	switch cmd := cmd.(type) {
	case ipc.Terminate:
		h.emit(ipc.Terminated{})
		h.exit()
	case ipc.SendJob:
		h.emit(ipc.JobSent{CorrelationID: cmd.CorrelationID})
	}
	return nil
}

func (h *fakeHandle) Signal(sig syscall.Signal) error {
	h.exit()
	return nil
}

func (h *fakeHandle) Kill() error {
	h.exit()
	return nil
}

func (h *fakeHandle) emit(ev ipc.Event) {
	h.events <- ev
}

func (h *fakeHandle) exit() {
	h.once.Do(func() {
		h.procs.setAlive(h.pid, false)
		close(h.done)
	})
}

// persist writes a session file the way a real worker would
func (h *fakeHandle) persist() {
	_ = os.MkdirAll(h.dir, 0o700)
	_ = os.WriteFile(filepath.Join(h.dir, "session.json"), []byte(`{}`), 0o600)
}

func (h *fakeHandle) commands() []ipc.Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ipc.Command(nil), h.sent...)
}

func (h *fakeHandle) jobsSent() []string {
	var ids []string
	for _, cmd := range h.commands() {
		if job, ok := cmd.(ipc.SendJob); ok {
			ids = append(ids, job.CorrelationID)
		}
	}
	return ids
}

func (h *fakeHandle) terminates() int {
	n := 0
	for _, cmd := range h.commands() {
		if _, ok := cmd.(ipc.Terminate); ok {
			n++
		}
	}
	return n
}

// fakeSpawner hands out fakeHandles and runs script against each
type fakeSpawner struct {
	procs *fakeProcs

	mu      sync.Mutex
	nextPID int
	handles []*fakeHandle
	err     error
	script  func(h *fakeHandle)
	onSend  sendHook
}

func newFakeSpawner(procs *fakeProcs) *fakeSpawner {
	return &fakeSpawner{procs: procs, nextPID: 1000}
}

func (f *fakeSpawner) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return nil, f.err
	}
	f.nextPID++
	h := &fakeHandle{
		pid:    f.nextPID,
		dir:    req.ArtifactDir,
		procs:  f.procs,
		events: make(chan ipc.Event, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		onSend: f.onSend,
	}
	f.handles = append(f.handles, h)
	script := f.script
	f.mu.Unlock()

	f.procs.setAlive(h.pid, true)
	if script != nil {
		go script(h)
	}
	return h, nil
}

func (f *fakeSpawner) spawned() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func (f *fakeSpawner) last() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

func (f *fakeSpawner) all() []*fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeHandle(nil), f.handles...)
}

// fakeProcs is a process table where SIGTERM and SIGKILL always work
type fakeProcs struct {
	mu      sync.Mutex
	alive   map[int]bool
	signals []string
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{alive: make(map[int]bool)}
}

func (p *fakeProcs) Alive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[pid]
}

func (p *fakeProcs) Signal(pid int, sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, fmt.Sprintf("%d:%s", pid, sig))
	if !p.alive[pid] {
		return syscall.ESRCH
	}
	if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
		p.alive[pid] = false
	}
	return nil
}

func (p *fakeProcs) setAlive(pid int, alive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive[pid] = alive
}

func (p *fakeProcs) signaled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.signals...)
}

// fakeSampler reports a fixed memory usage. onSample runs before each
// sample is taken.
type fakeSampler struct {
	mu       sync.Mutex
	percent  float64
	err      error
	onSample func()
}

func (f *fakeSampler) set(percent float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.percent = percent
}

func (f *fakeSampler) Sample(ctx context.Context, pids []int) (MemorySample, error) {
	f.mu.Lock()
	hook := f.onSample
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return MemorySample{}, f.err
	}
	return MemorySample{UsedBytes: uint64(f.percent * 100), TotalBytes: 10000}, nil
}

// memoryMirror keeps snapshots in a map
type memoryMirror struct {
	mu        sync.Mutex
	snapshots map[string][]byte
}

func newMemoryMirror() *memoryMirror {
	return &memoryMirror{snapshots: make(map[string][]byte)}
}

func (m *memoryMirror) Save(ctx context.Context, tenantID string, archive []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[tenantID] = append([]byte(nil), archive...)
	return nil
}

func (m *memoryMirror) Load(ctx context.Context, tenantID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[tenantID], nil
}

func (m *memoryMirror) Delete(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, tenantID)
	return nil
}

func (m *memoryMirror) has(tenantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.snapshots[tenantID]
	return ok
}

// harness is a supervisor wired to in-memory collaborators
type harness struct {
	sup     *Supervisor
	store   *memory.Store
	dirs    *artifacts.DirStore
	spawner *fakeSpawner
	procs   *fakeProcs
	sampler *fakeSampler
	clock   *clocktesting.FakeClock
}

func testOptions() Options {
	return Options{
		Lifecycle: config.LifecycleConfig{
			GracePeriod:         testGracePeriod,
			AuthDeadline:        testAuthDeadline,
			TeardownConcurrency: 2,
		},
		Queue: config.QueueConfig{
			PollTimeout: 10 * time.Millisecond,
			AckTimeout:  testAckTimeout,
			MaxAttempts: 3,
		},
		Monitor: config.MonitorConfig{
			Interval:         time.Hour,
			ThresholdPercent: 80,
			Cooldown:         5 * time.Minute,
		},
		Retry: retry.Policy{
			MaxAttempts:       3,
			InitialDelay:      time.Second,
			MaxDelay:          10 * time.Second,
			BackoffMultiplier: 2,
		},
		Dispatch: pacing.Static(config.DispatchConfig{BurstLimit: 10}),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()

	dirs, err := artifacts.NewDirStore(t.TempDir())
	require.NoError(t, err)

	procs := newFakeProcs()
	h := &harness{
		store:   memory.NewStore(0),
		dirs:    dirs,
		spawner: newFakeSpawner(procs),
		procs:   procs,
		sampler: &fakeSampler{},
		clock:   clocktesting.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}

	opts := testOptions()
	opts.Store = h.store
	opts.Spawner = h.spawner
	opts.Artifacts = dirs
	opts.Processes = procs
	opts.Sampler = h.sampler
	opts.Clock = h.clock
	opts.Registerer = prometheus.NewRegistry()
	for _, m := range mutate {
		m(&opts)
	}

	h.sup, err = New(opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		for _, wh := range h.spawner.all() {
			wh.exit()
		}
		h.sup.Close()
	})
	return h
}

// seedArtifacts leaves a session file for tenantID on disk
func (h *harness) seedArtifacts(t *testing.T, tenantID string) {
	t.Helper()
	dir := h.dirs.Path(tenantID)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.json"), []byte(`{}`), 0o600))
}

func (h *harness) hasArtifacts(t *testing.T, tenantID string) bool {
	t.Helper()
	ok, err := h.dirs.Exists(tenantID)
	require.NoError(t, err)
	return ok
}

func (h *harness) record(t *testing.T, tenantID string) *storage.Record {
	t.Helper()
	rec, err := h.store.GetRecord(context.Background(), tenantID)
	require.NoError(t, err)
	return rec
}

func (h *harness) waitState(t *testing.T, tenantID string, want LifecycleState) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, ok := h.sup.GetSession(tenantID)
		return ok && info.State == want
	}, waitFor, tick, "session %s never reached %s", tenantID, want)
}

func (h *harness) waitGone(t *testing.T, tenantID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := h.sup.GetSession(tenantID)
		return !ok
	}, waitFor, tick, "session %s still registered", tenantID)
}

// readyScript makes every worker come up without a scan
func readyScript(h *fakeHandle) {
	h.emit(ipc.WorkerReady{})
}

// persistedScript makes every worker authenticate and save artifacts
func persistedScript(h *fakeHandle) {
	h.persist()
	h.emit(ipc.WorkerReady{})
	h.emit(ipc.SessionPersisted{})
}

var errSpawn = errors.New("fork failed")
