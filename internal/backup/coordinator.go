package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Progress ranges reserved for each phase of a job.
const (
	copyProgressEnd    = 0.80
	archiveProgressEnd = 0.98
)

// Recorder receives job and run measurements.
type Recorder interface {
	RunStarted()
	RunFinished()
	RecordJob(state State)
	ObserveJobDuration(vmName string, d time.Duration)
	AddBytesCopied(n int64)
}

type noopRecorder struct{}

func (noopRecorder) RunStarted()                              {}
func (noopRecorder) RunFinished()                             {}
func (noopRecorder) RecordJob(State)                          {}
func (noopRecorder) ObserveJobDuration(string, time.Duration) {}
func (noopRecorder) AddBytesCopied(int64)                     {}

// Coordinator runs backup requests. Different runs may execute concurrently;
// jobs within one run are processed strictly in target order.
type Coordinator struct {
	copier          *Copier
	archiver        *Archiver
	registry        *Registry
	recorder        Recorder
	space           SpaceChecker
	retention       *RetentionEnforcer
	cleanupAttempts int
	cleanupDelay    time.Duration
	logger          zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithSpaceChecker enables the free-space preflight for every job.
func WithSpaceChecker(s SpaceChecker) Option {
	return func(c *Coordinator) {
		c.space = s
	}
}

// WithCleanupRetry sets how transient paths are removed.
func WithCleanupRetry(attempts int, delay time.Duration) Option {
	return func(c *Coordinator) {
		if attempts > 0 {
			c.cleanupAttempts = attempts
		}
		if delay >= 0 {
			c.cleanupDelay = delay
		}
	}
}

// NewCoordinator creates a new Coordinator.
func NewCoordinator(copier *Copier, archiver *Archiver, registry *Registry, logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		copier:          copier,
		archiver:        archiver,
		registry:        registry,
		recorder:        noopRecorder{},
		retention:       NewRetentionEnforcer(logger),
		cleanupAttempts: DefaultCleanupAttempts,
		cleanupDelay:    DefaultCleanupDelay,
		logger:          logger.With().Str("component", "backup_coordinator").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CancelRun requests cancellation of a running run. It is a no-op for runs
// that already finished or never existed.
func (c *Coordinator) CancelRun(runID uuid.UUID) bool {
	return c.registry.CancelRun(runID)
}

// CancelAllRuns requests cancellation of every running run.
func (c *Coordinator) CancelAllRuns() int {
	return c.registry.CancelAllRuns()
}

// Registry returns the coordinator's run registry.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Run executes req and returns once every job has reached a terminal state,
// or once the run failed to start. onEvent is called synchronously from the
// run's goroutine and must not block for long.
func (c *Coordinator) Run(ctx context.Context, req Request, onEvent func(Event)) Outcome {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	logger := c.logger.With().Str("run_id", req.RunID.String()).Logger()

	if len(req.Targets) == 0 {
		logger.Warn().Msg("backup requested without targets")
		return Outcome{RunID: req.RunID, StartupError: ErrNoTargets.Error()}
	}

	tok := c.registry.Register(req.RunID)
	defer c.registry.Unregister(req.RunID, tok)
	c.recorder.RunStarted()
	defer c.recorder.RunFinished()

	rs := newRunState(req, onEvent)
	rs.initialize()

	dest, err := prepareDestination(req.DestinationDir)
	if err != nil {
		logger.Error().Err(err).Str("destination", req.DestinationDir).Msg("failed to prepare destination")
		rs.log(fmt.Sprintf("Cannot prepare destination: %v", err))
		return rs.outcome(tok.IsCancelled() || ctx.Err() != nil, err.Error())
	}

	timestamp := RunTimestamp(req.StartedAt)
	staging := StagingRoot(dest, req.RunID)

	logger.Info().
		Int("targets", len(req.Targets)).
		Str("destination", dest).
		Msg("starting backup run")

	for i, target := range req.Targets {
		if isCancelled(ctx, tok) {
			rs.finish(i, StateCancelled, "Cancelled before start")
			c.recorder.RecordJob(StateCancelled)
			continue
		}
		c.runJob(ctx, rs, i, target, dest, staging, timestamp, tok)
	}

	if err := removeWithRetry(staging, c.cleanupAttempts, c.cleanupDelay, logger); err != nil {
		logger.Warn().Err(err).Msg("failed to remove staging directory")
		rs.log(fmt.Sprintf("Could not remove staging directory: %v", err))
	}

	out := rs.outcome(tok.IsCancelled() || ctx.Err() != nil, "")
	logger.Info().
		Int("jobs", len(out.Jobs)).
		Int("failures", len(out.Failures)).
		Bool("cancellation_requested", out.CancellationRequested).
		Msg("backup run finished")
	return out
}

// prepareDestination creates dir if needed and returns its canonical path.
func prepareDestination(dir string) (string, error) {
	if dir == "" {
		return "", errors.New("destination directory is not set")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create destination %s: %w", dir, err)
	}
	canonical, err := Canonicalize(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return "", fmt.Errorf("stat destination %s: %w", canonical, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("destination %s is not a directory", canonical)
	}
	return canonical, nil
}

// runJob drives one target to a terminal state. Errors never escape it.
func (c *Coordinator) runJob(ctx context.Context, rs *runState, i int, target VirtualMachine, dest, staging, timestamp string, tok *Token) {
	logger := c.logger.With().
		Str("run_id", rs.runID.String()).
		Str("job_id", rs.jobID(i)).
		Str("vm", target.Name).
		Logger()

	start := time.Now()
	filename, err := c.backupTarget(ctx, rs, i, target, dest, staging, timestamp, tok, logger)
	duration := time.Since(start)

	var state State
	switch {
	case err == nil:
		state = StateSucceeded
		rs.finish(i, StateSucceeded, filename)
		rs.log(fmt.Sprintf("Backed up %s to %s", target.Name, filename))
		logger.Info().Str("archive", filename).Dur("duration", duration).Msg("backup job succeeded")
		c.applyRetention(rs, target, dest, logger)
	case errors.Is(err, ErrCancelled):
		state = StateCancelled
		rs.finish(i, StateCancelled, "Cancelled")
		rs.log(fmt.Sprintf("Backup of %s cancelled", target.Name))
		logger.Info().Dur("duration", duration).Msg("backup job cancelled")
	default:
		state = StateFailed
		rs.fail(i, err)
		rs.log(fmt.Sprintf("Backup of %s failed: %v", target.Name, err))
		logger.Error().Err(err).Dur("duration", duration).Msg("backup job failed")
	}

	c.recorder.RecordJob(state)
	c.recorder.ObserveJobDuration(target.Name, duration)
}

// applyRetention prunes the target's older archives. Failures are logged
// and do not change the job's state.
func (c *Coordinator) applyRetention(rs *runState, target VirtualMachine, dest string, logger zerolog.Logger) {
	if rs.retention == nil {
		return
	}
	result, err := c.retention.ApplyPolicy(dest, target.Name, rs.retention)
	if err != nil {
		logger.Warn().Err(err).Msg("retention failed")
		rs.log(fmt.Sprintf("Retention for %s failed: %v", target.Name, err))
		return
	}
	if result.ArchivesRemoved > 0 {
		rs.log(fmt.Sprintf("Removed %d expired archive(s) of %s", result.ArchivesRemoved, target.Name))
	}
}

// backupTarget copies and archives one bundle and returns the published
// archive's filename.
func (c *Coordinator) backupTarget(ctx context.Context, rs *runState, i int, target VirtualMachine, dest, staging, timestamp string, tok *Token, logger zerolog.Logger) (string, error) {
	if !target.HasBundle() {
		return "", fmt.Errorf("%w: %s has no resolved bundle directory", ErrUnavailableBundle, target.Name)
	}
	bundle, err := Canonicalize(target.BundlePath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailableBundle, err)
	}
	if info, err := os.Stat(bundle); err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a readable directory", ErrUnavailableBundle, bundle)
	}

	filename := ArchiveFilename(target.Name, timestamp)
	jobDir := filepath.Join(staging, strconv.Itoa(i+1))
	paths := JobPaths{
		Bundle:      bundle,
		Destination: dest,
		WorkDir:     jobDir,
		WorkingCopy: filepath.Join(jobDir, "copy", filepath.Base(bundle)),
	}
	if err := paths.Validate(); err != nil {
		return "", err
	}

	if c.space != nil {
		if err := c.checkSpace(bundle, dest); err != nil {
			return "", err
		}
	}

	defer func() {
		if err := removeWithRetry(jobDir, c.cleanupAttempts, c.cleanupDelay, logger); err != nil {
			logger.Warn().Err(err).Msg("failed to remove job working directory")
			rs.log(fmt.Sprintf("Could not remove working directory for %s: %v", target.Name, err))
		}
	}()

	if err := os.MkdirAll(filepath.Dir(paths.WorkingCopy), 0700); err != nil {
		return "", fmt.Errorf("%w: create working directory: %v", ErrCopyFailed, err)
	}

	rs.update(i, StateCopying, "Copying bundle", 0)
	rs.log(fmt.Sprintf("Copying %s", target.Name))

	copied, err := c.copier.CopyTree(ctx, bundle, paths.WorkingCopy, tok, func(done, total int64) {
		if total > 0 {
			rs.progress(i, copyProgressEnd*float64(done)/float64(total))
		}
	})
	c.recorder.AddBytesCopied(copied)
	if err != nil {
		return "", err
	}

	rs.update(i, StateArchiving, "Creating archive", copyProgressEnd)
	rs.log(fmt.Sprintf("Archiving %s (%d bytes)", target.Name, copied))

	partial := filepath.Join(jobDir, filename)
	err = c.archiver.Archive(ctx, paths.WorkingCopy, partial, copied, tok, func(f float64) {
		rs.progress(i, copyProgressEnd+(archiveProgressEnd-copyProgressEnd)*f)
	})
	if err != nil {
		return "", err
	}

	final := uniquePath(filepath.Join(dest, filename))
	if err := os.Rename(partial, final); err != nil {
		return "", fmt.Errorf("%w: publish archive: %v", ErrArchiveFailed, err)
	}
	return filepath.Base(final), nil
}

// checkSpace fails when dest cannot hold a working copy and an archive of bundle.
func (c *Coordinator) checkSpace(bundle, dest string) error {
	size, err := TreeSize(bundle)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailableBundle, err)
	}
	free, err := c.space.FreeBytes(dest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientSpace, err)
	}
	need := uint64(size) * 2
	if free < need {
		return fmt.Errorf("%w: need %d bytes, %d available", ErrInsufficientSpace, need, free)
	}
	return nil
}

// runState owns the jobs of one run. Every mutation and the event it
// produces happen under mu, so events for a job are emitted in the order
// the job changed.
type runState struct {
	mu       sync.Mutex
	runID    uuid.UUID
	jobs     []Job
	failures []string
	emit     func(Event)

	retention *RetentionPolicy
}

func newRunState(req Request, emit func(Event)) *runState {
	jobs := make([]Job, len(req.Targets))
	seen := make(map[string]int, len(req.Targets))
	for i, t := range req.Targets {
		id := JobID(req.RunID, t.ID, req.StartedAt)
		seen[id]++
		if n := seen[id]; n > 1 {
			id += "-" + strconv.Itoa(n)
		}
		jobs[i] = Job{
			ID:     id,
			VMName: t.Name,
			State:  StateQueued,
			Detail: "Queued",
		}
	}
	return &runState{runID: req.RunID, jobs: jobs, emit: emit, retention: req.Retention}
}

func (rs *runState) initialize() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.emit(Event{Kind: EventJobsInitialized, RunID: rs.runID, Jobs: rs.snapshot()})
}

func (rs *runState) jobID(i int) string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.jobs[i].ID
}

// update moves job i to state. Backward or post-terminal transitions and
// progress decreases are ignored.
func (rs *runState) update(i int, state State, detail string, progress float64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	job := &rs.jobs[i]
	if job.State != state && !job.State.CanTransition(state) {
		return
	}
	if job.State.IsTerminal() {
		return
	}
	job.State = state
	job.Detail = detail
	job.Progress = max(job.Progress, min(progress, 1))
	p := job.Progress
	rs.emit(Event{Kind: EventJobUpdated, RunID: rs.runID, JobID: job.ID, State: state, Detail: detail, Progress: &p})
}

// progress raises job i's progress within its current state.
func (rs *runState) progress(i int, progress float64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	job := &rs.jobs[i]
	progress = min(progress, 1)
	if job.State.IsTerminal() || progress <= job.Progress {
		return
	}
	job.Progress = progress
	p := progress
	rs.emit(Event{Kind: EventJobUpdated, RunID: rs.runID, JobID: job.ID, State: job.State, Detail: job.Detail, Progress: &p})
}

func (rs *runState) finish(i int, state State, detail string) {
	rs.update(i, state, detail, 1)
}

func (rs *runState) fail(i int, err error) {
	rs.mu.Lock()
	rs.failures = append(rs.failures, fmt.Sprintf("%s: %v", rs.jobs[i].VMName, err))
	rs.mu.Unlock()
	rs.update(i, StateFailed, err.Error(), 1)
}

func (rs *runState) log(line string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.emit(Event{Kind: EventLog, RunID: rs.runID, Line: line})
}

// snapshot copies the job list; callers hold mu.
func (rs *runState) snapshot() []Job {
	out := make([]Job, len(rs.jobs))
	copy(out, rs.jobs)
	return out
}

func (rs *runState) outcome(cancellationRequested bool, startupErr string) Outcome {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	failures := make([]string, len(rs.failures))
	copy(failures, rs.failures)
	return Outcome{
		RunID:                 rs.runID,
		Jobs:                  rs.snapshot(),
		Failures:              failures,
		CancellationRequested: cancellationRequested,
		StartupError:          startupErr,
	}
}
