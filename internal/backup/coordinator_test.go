package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/vmvault/internal/process"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	okArchiver       = `printf 'PK' > "$4"`
	diskFullArchiver = `echo "disk full" >&2; exit 2`
	slowArchiver     = `exec sleep 30`
)

// eventLog records events in order.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// statesFor returns the distinct state sequence emitted for a job.
func (l *eventLog) statesFor(jobID string) []State {
	var states []State
	for _, e := range l.all() {
		if e.Kind != EventJobUpdated || e.JobID != jobID {
			continue
		}
		if len(states) == 0 || states[len(states)-1] != e.State {
			states = append(states, e.State)
		}
	}
	return states
}

func (l *eventLog) progressFor(jobID string) []float64 {
	var out []float64
	for _, e := range l.all() {
		if e.Kind == EventJobUpdated && e.JobID == jobID && e.Progress != nil {
			out = append(out, *e.Progress)
		}
	}
	return out
}

type recorderStub struct {
	mu       sync.Mutex
	states   []State
	bytes    int64
	started  int
	finished int
}

func (r *recorderStub) RunStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recorderStub) RunFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished++
}

func (r *recorderStub) RecordJob(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorderStub) ObserveJobDuration(string, time.Duration) {}

func (r *recorderStub) AddBytesCopied(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytes += n
}

type fixedSpace uint64

func (f fixedSpace) FreeBytes(string) (uint64, error) { return uint64(f), nil }

func newTestCoordinator(t *testing.T, archiverScript string, opts ...Option) *Coordinator {
	t.Helper()
	logger := zerolog.Nop()
	runner := process.NewRunner(logger).WithPollInterval(10 * time.Millisecond)
	archiver := NewArchiver(runner, FormatZip, writeTool(t, archiverScript), logger).WithPollInterval(10 * time.Millisecond)
	opts = append([]Option{WithCleanupRetry(2, time.Millisecond)}, opts...)
	return NewCoordinator(NewCopier(logger), archiver, NewRegistry(logger), logger, opts...)
}

func newBundle(t *testing.T, name string, files map[string]string) VirtualMachine {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".utm")
	require.NoError(t, os.MkdirAll(path, 0755))
	writeTree(t, path, files)
	return VirtualMachine{ID: uuid.NewString(), Name: name, BundlePath: path, PathIsResolved: true}
}

func newRequest(dest string, targets ...VirtualMachine) Request {
	return Request{
		RunID:          uuid.New(),
		Targets:        targets,
		DestinationDir: dest,
		StartedAt:      time.Date(2026, 3, 4, 5, 6, 7, 0, time.Local),
	}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestCoordinator_EmptyTargets(t *testing.T) {
	c := newTestCoordinator(t, okArchiver)
	var log eventLog

	out := c.Run(context.Background(), newRequest(t.TempDir()), log.add)

	assert.NotEmpty(t, out.StartupError)
	assert.Empty(t, out.Jobs)
	assert.Empty(t, log.all(), "no events for an empty request")
}

func TestCoordinator_SingleEmptyBundle(t *testing.T) {
	c := newTestCoordinator(t, okArchiver)
	vm := newBundle(t, "Ubuntu", nil)
	dest := filepath.Join(t.TempDir(), "backups")
	req := newRequest(dest, vm)
	var log eventLog

	out := c.Run(context.Background(), req, log.add)

	require.Empty(t, out.StartupError)
	require.Len(t, out.Jobs, 1)
	job := out.Jobs[0]
	wantName := "Ubuntu_" + RunTimestamp(req.StartedAt) + ".zip"
	assert.Equal(t, StateSucceeded, job.State)
	assert.Equal(t, wantName, job.Detail)
	assert.Equal(t, 1.0, job.Progress)
	assert.Empty(t, out.Failures)
	assert.False(t, out.CancellationRequested)

	events := log.all()
	require.NotEmpty(t, events)
	assert.Equal(t, EventJobsInitialized, events[0].Kind)
	require.Len(t, events[0].Jobs, 1)
	assert.Equal(t, StateQueued, events[0].Jobs[0].State)
	assert.Equal(t, []State{StateCopying, StateArchiving, StateSucceeded}, log.statesFor(job.ID))

	assert.Equal(t, []string{wantName}, listDir(t, dest), "only the archive remains in the destination")
	assert.False(t, c.Registry().IsRunning(req.RunID), "run must be unregistered")
}

func TestCoordinator_ProgressIsMonotonic(t *testing.T) {
	c := newTestCoordinator(t, okArchiver)
	vm := newBundle(t, "web", map[string]string{
		"config.plist":      strings.Repeat("c", 100),
		"Data/disk-0.qcow2": strings.Repeat("d", 5000),
		"Data/disk-1.qcow2": strings.Repeat("e", 3000),
	})
	var log eventLog

	out := c.Run(context.Background(), newRequest(t.TempDir(), vm), log.add)

	require.Len(t, out.Jobs, 1)
	progress := log.progressFor(out.Jobs[0].ID)
	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1], "progress went backwards: %v", progress)
	}
	assert.Equal(t, 1.0, progress[len(progress)-1])
}

func TestCoordinator_UnresolvedSecondTarget(t *testing.T) {
	c := newTestCoordinator(t, okArchiver)
	first := newBundle(t, "first", map[string]string{"disk.img": "data"})
	second := VirtualMachine{ID: "vm-2", Name: "second", BundlePath: "/somewhere/second.utm", PathIsResolved: false}
	var log eventLog

	out := c.Run(context.Background(), newRequest(t.TempDir(), first, second), log.add)

	require.Len(t, out.Jobs, 2)
	assert.Equal(t, StateSucceeded, out.Jobs[0].State)
	assert.Equal(t, StateFailed, out.Jobs[1].State)
	assert.Contains(t, out.Jobs[1].Detail, "unavailable bundle")
	require.Len(t, out.Failures, 1)
	assert.Contains(t, out.Failures[0], "second")
	assert.Equal(t, []State{StateFailed}, log.statesFor(out.Jobs[1].ID), "unavailable bundle never starts copying")
}

func TestCoordinator_ArchiverFailure(t *testing.T) {
	c := newTestCoordinator(t, diskFullArchiver)
	vm := newBundle(t, "db", map[string]string{"disk.img": "data"})
	dest := t.TempDir()
	req := newRequest(dest, vm)

	out := c.Run(context.Background(), req, nil)

	require.Len(t, out.Jobs, 1)
	job := out.Jobs[0]
	assert.Equal(t, StateFailed, job.State)
	assert.Contains(t, job.Detail, "2")
	assert.Contains(t, job.Detail, "disk full")
	assert.Equal(t, 1.0, job.Progress)
	require.Len(t, out.Failures, 1)

	_, err := os.Stat(StagingRoot(dest, req.RunID))
	assert.True(t, os.IsNotExist(err), "working copy must be removed")
	assert.Empty(t, listDir(t, dest))
}

func TestCoordinator_FailureDoesNotAbortSiblings(t *testing.T) {
	c := newTestCoordinator(t, okArchiver)
	missing := VirtualMachine{ID: "gone", Name: "gone", BundlePath: filepath.Join(t.TempDir(), "gone.utm"), PathIsResolved: true}
	ok := newBundle(t, "ok", map[string]string{"disk.img": "x"})

	out := c.Run(context.Background(), newRequest(t.TempDir(), missing, ok), nil)

	require.Len(t, out.Jobs, 2)
	assert.Equal(t, StateFailed, out.Jobs[0].State)
	assert.Equal(t, StateSucceeded, out.Jobs[1].State)
}

func TestCoordinator_DestinationCannotBeCreated(t *testing.T) {
	c := newTestCoordinator(t, okArchiver)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	vm := newBundle(t, "vm", nil)
	var log eventLog

	out := c.Run(context.Background(), newRequest(filepath.Join(blocker, "backups"), vm), log.add)

	assert.NotEmpty(t, out.StartupError)
	require.Len(t, out.Jobs, 1)
	assert.Equal(t, StateQueued, out.Jobs[0].State, "no job advances after a startup error")
	for _, e := range log.all() {
		assert.NotEqual(t, EventJobUpdated, e.Kind)
	}
}

func TestCoordinator_DestinationIsIdempotent(t *testing.T) {
	c := newTestCoordinator(t, okArchiver)
	dest := t.TempDir()
	keep := filepath.Join(dest, "existing.txt")
	require.NoError(t, os.WriteFile(keep, []byte("keep me"), 0644))
	vm := newBundle(t, "vm", map[string]string{"a": "b"})

	first := c.Run(context.Background(), newRequest(dest, vm), nil)
	second := c.Run(context.Background(), newRequest(dest, vm), nil)

	assert.Empty(t, first.StartupError)
	assert.Empty(t, second.StartupError)
	assert.Equal(t, StateSucceeded, second.Jobs[0].State)
	assert.NotEqual(t, first.Jobs[0].Detail, second.Jobs[0].Detail, "colliding archive names get a suffix")
	got, err := os.ReadFile(keep)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(got))
}

func TestCoordinator_SafetyViolation(t *testing.T) {
	c := newTestCoordinator(t, okArchiver)
	vm := newBundle(t, "vm", map[string]string{"disk.img": "data"})
	dest := filepath.Join(vm.BundlePath, "backups")

	out := c.Run(context.Background(), newRequest(dest, vm), nil)

	require.Len(t, out.Jobs, 1)
	assert.Equal(t, StateFailed, out.Jobs[0].State)
	assert.Contains(t, out.Jobs[0].Detail, ErrSafetyViolation.Error())
	assert.Empty(t, listDir(t, dest), "nothing written inside the bundle's destination")
}

func TestCoordinator_CancelDuringArchiving(t *testing.T) {
	c := newTestCoordinator(t, slowArchiver)
	first := newBundle(t, "first", map[string]string{"disk.img": "data"})
	second := newBundle(t, "second", map[string]string{"disk.img": "data"})
	dest := t.TempDir()
	req := newRequest(dest, first, second)

	var log eventLog
	var once sync.Once
	out := c.Run(context.Background(), req, func(e Event) {
		log.add(e)
		if e.Kind == EventJobUpdated && e.State == StateArchiving {
			once.Do(func() {
				time.AfterFunc(150*time.Millisecond, func() { c.CancelRun(req.RunID) })
			})
		}
	})

	require.Len(t, out.Jobs, 2)
	assert.Equal(t, StateCancelled, out.Jobs[0].State)
	assert.Equal(t, StateCancelled, out.Jobs[1].State)
	assert.True(t, out.CancellationRequested)
	assert.Empty(t, out.Failures)
	assert.Equal(t, []State{StateCancelled}, log.statesFor(out.Jobs[1].ID))
	assert.Empty(t, listDir(t, dest), "no archive or staging left behind")
	assert.False(t, c.CancelRun(req.RunID), "cancelling a finished run is a no-op")
}

func TestCoordinator_CancelDuringCopying(t *testing.T) {
	c := newTestCoordinator(t, okArchiver)
	vm := newBundle(t, "big", map[string]string{
		"a.img": "first",
		"b.img": "second",
		"c.img": "third",
	})
	dest := t.TempDir()
	req := newRequest(dest, vm)

	out := c.Run(context.Background(), req, func(e Event) {
		if e.Kind == EventJobUpdated && e.State == StateCopying && e.Progress != nil && *e.Progress > 0 {
			c.CancelRun(req.RunID)
		}
	})

	require.Len(t, out.Jobs, 1)
	assert.Equal(t, StateCancelled, out.Jobs[0].State)
	assert.True(t, out.CancellationRequested)
	assert.Empty(t, listDir(t, dest))
}

func TestCoordinator_ContextCancelledBeforeStart(t *testing.T) {
	c := newTestCoordinator(t, okArchiver)
	vm := newBundle(t, "vm", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := c.Run(ctx, newRequest(t.TempDir(), vm), nil)

	require.Len(t, out.Jobs, 1)
	assert.Equal(t, StateCancelled, out.Jobs[0].State)
	assert.Equal(t, 1.0, out.Jobs[0].Progress)
	assert.True(t, out.CancellationRequested)
}

func TestCoordinator_CancelAllRuns(t *testing.T) {
	c := newTestCoordinator(t, slowArchiver)
	dest := t.TempDir()

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	started := make(chan struct{}, 2)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vm := newBundle(t, "vm", map[string]string{"disk.img": "x"})
			var once sync.Once
			outcomes[i] = c.Run(context.Background(), newRequest(dest, vm), func(e Event) {
				if e.Kind == EventJobUpdated && e.State == StateArchiving {
					once.Do(func() { started <- struct{}{} })
				}
			})
		}(i)
	}

	<-started
	<-started
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, c.CancelAllRuns())
	wg.Wait()

	for _, out := range outcomes {
		require.Len(t, out.Jobs, 1)
		assert.Equal(t, StateCancelled, out.Jobs[0].State)
	}
	assert.Equal(t, 0, c.Registry().RunningCount())
}

func TestCoordinator_InsufficientSpace(t *testing.T) {
	c := newTestCoordinator(t, okArchiver, WithSpaceChecker(fixedSpace(10)))
	vm := newBundle(t, "vm", map[string]string{"disk.img": strings.Repeat("x", 100)})
	var log eventLog

	out := c.Run(context.Background(), newRequest(t.TempDir(), vm), log.add)

	require.Len(t, out.Jobs, 1)
	assert.Equal(t, StateFailed, out.Jobs[0].State)
	assert.Contains(t, out.Jobs[0].Detail, ErrInsufficientSpace.Error())
	assert.Equal(t, []State{StateFailed}, log.statesFor(out.Jobs[0].ID))
}

func TestCoordinator_RecordsMetrics(t *testing.T) {
	rec := &recorderStub{}
	c := newTestCoordinator(t, okArchiver, WithRecorder(rec))
	ok := newBundle(t, "ok", map[string]string{"disk.img": "12345"})
	bad := VirtualMachine{ID: "bad", Name: "bad"}

	c.Run(context.Background(), newRequest(t.TempDir(), ok, bad), nil)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []State{StateSucceeded, StateFailed}, rec.states)
	assert.Equal(t, int64(5), rec.bytes)
	assert.Equal(t, 1, rec.started)
	assert.Equal(t, 1, rec.finished)
}

func TestCoordinator_DuplicateTargetsGetDistinctJobs(t *testing.T) {
	c := newTestCoordinator(t, okArchiver)
	vm := newBundle(t, "twice", map[string]string{"disk.img": "x"})

	out := c.Run(context.Background(), newRequest(t.TempDir(), vm, vm), nil)

	require.Len(t, out.Jobs, 2)
	assert.NotEqual(t, out.Jobs[0].ID, out.Jobs[1].ID)
	assert.Equal(t, StateSucceeded, out.Jobs[0].State)
	assert.Equal(t, StateSucceeded, out.Jobs[1].State)
	assert.NotEqual(t, out.Jobs[0].Detail, out.Jobs[1].Detail)
}

func TestState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateQueued, StateCopying, true},
		{StateQueued, StateCancelled, true},
		{StateQueued, StateFailed, true},
		{StateCopying, StateArchiving, true},
		{StateArchiving, StateCopying, false},
		{StateArchiving, StateSucceeded, true},
		{StateSucceeded, StateFailed, false},
		{StateCancelled, StateCopying, false},
		{StateFailed, StateFailed, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
