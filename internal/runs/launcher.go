package runs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MacJediWizard/vmvault/internal/backup"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotAccepting is returned by Start once shutdown has begun.
var ErrNotAccepting = errors.New("not accepting new runs")

// ErrNoDestination is returned when neither the request nor the launcher
// supplies a destination directory.
var ErrNoDestination = errors.New("no destination directory")

// ErrInvalidRetention is returned when a request's retention policy, merged
// with the launcher's, is not valid.
var ErrInvalidRetention = errors.New("invalid retention policy")

// Inventory resolves VM names to backup targets.
type Inventory interface {
	List(ctx context.Context) ([]backup.VirtualMachine, error)
	Resolve(ctx context.Context, names []string) ([]backup.VirtualMachine, error)
}

// StartRequest selects the VMs of a run. Retention overrides the launcher's
// default policy field by field.
type StartRequest struct {
	VMs            []string                `json:"vms"`
	All            bool                    `json:"all"`
	DestinationDir string                  `json:"destination_dir"`
	Retention      *backup.RetentionPolicy `json:"retention,omitempty"`
}

type active struct {
	cancel  context.CancelFunc
	done    chan struct{}
	outcome backup.Outcome
}

// Launcher starts coordinator runs in the background. Runs are independent:
// each gets its own goroutine and cancellation.
type Launcher struct {
	coordinator *backup.Coordinator
	inventory   Inventory
	board       *Board
	destination func() string
	retention   *backup.RetentionPolicy
	logger      zerolog.Logger

	accepting atomic.Bool
	mu        sync.Mutex
	active    map[uuid.UUID]*active
	wg        sync.WaitGroup
}

// NewLauncher creates a new Launcher. destination supplies the default
// destination directory and is read on every Start.
func NewLauncher(coordinator *backup.Coordinator, inventory Inventory, board *Board, destination func() string, logger zerolog.Logger) *Launcher {
	if destination == nil {
		destination = func() string { return "" }
	}
	l := &Launcher{
		coordinator: coordinator,
		inventory:   inventory,
		board:       board,
		destination: destination,
		logger:      logger.With().Str("component", "run_launcher").Logger(),
		active:      make(map[uuid.UUID]*active),
	}
	l.accepting.Store(true)
	return l
}

// WithRetention sets the default retention policy of every run.
func (l *Launcher) WithRetention(policy *backup.RetentionPolicy) *Launcher {
	l.retention = policy
	return l
}

// Board returns the launcher's board.
func (l *Launcher) Board() *Board {
	return l.board
}

// Start resolves req's targets and launches the run, returning its id
// without waiting for it. ctx bounds target resolution only.
func (l *Launcher) Start(ctx context.Context, req StartRequest) (uuid.UUID, error) {
	if !l.accepting.Load() {
		return uuid.Nil, ErrNotAccepting
	}

	dest := req.DestinationDir
	if dest == "" {
		dest = l.destination()
	}
	if dest == "" {
		return uuid.Nil, ErrNoDestination
	}

	retention := backup.MergeRetentionPolicy(l.retention, req.Retention)
	if req.Retention != nil {
		if err := backup.ValidateRetentionPolicy(retention); err != nil {
			return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidRetention, err)
		}
	}

	var targets []backup.VirtualMachine
	var err error
	if req.All {
		targets, err = l.inventory.List(ctx)
	} else {
		targets, err = l.inventory.Resolve(ctx, req.VMs)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve targets: %w", err)
	}
	if retention != nil {
		known := targets
		if !req.All {
			if known, err = l.inventory.List(ctx); err != nil {
				return uuid.Nil, fmt.Errorf("list inventory: %w", err)
			}
		}
		if err := backup.CheckArchiveNames(targets, known); err != nil {
			return uuid.Nil, err
		}
	}

	return l.launch(targets, dest, retention), nil
}

// StartTargets launches a run over already resolved targets.
func (l *Launcher) StartTargets(targets []backup.VirtualMachine, destination string) (uuid.UUID, error) {
	if !l.accepting.Load() {
		return uuid.Nil, ErrNotAccepting
	}
	if destination == "" {
		destination = l.destination()
	}
	if destination == "" {
		return uuid.Nil, ErrNoDestination
	}
	if l.retention != nil {
		known, err := l.inventory.List(context.Background())
		if err != nil {
			return uuid.Nil, fmt.Errorf("list inventory: %w", err)
		}
		if err := backup.CheckArchiveNames(targets, known); err != nil {
			return uuid.Nil, err
		}
	}
	return l.launch(targets, destination, l.retention), nil
}

func (l *Launcher) launch(targets []backup.VirtualMachine, dest string, retention *backup.RetentionPolicy) uuid.UUID {
	req := backup.Request{
		RunID:          uuid.New(),
		Targets:        targets,
		DestinationDir: dest,
		StartedAt:      time.Now(),
		Retention:      retention,
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &active{cancel: cancel, done: make(chan struct{})}

	l.board.Begin(req.RunID, dest, req.StartedAt)
	l.mu.Lock()
	l.active[req.RunID] = a
	l.mu.Unlock()

	l.logger.Info().
		Str("run_id", req.RunID.String()).
		Int("targets", len(targets)).
		Str("destination", dest).
		Bool("retention", retention != nil).
		Msg("launching backup run")

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer cancel()

		out := l.coordinator.Run(ctx, req, l.board.Apply)
		l.board.Finish(out)

		a.outcome = out
		l.mu.Lock()
		delete(l.active, req.RunID)
		l.mu.Unlock()
		close(a.done)

		l.logger.Info().
			Str("run_id", req.RunID.String()).
			Bool("succeeded", out.Succeeded()).
			Int("failures", len(out.Failures)).
			Msg("backup run ended")
	}()

	return req.RunID
}

// Wait blocks until the run finishes or ctx ends and returns its outcome.
// Runs that already finished are answered from the board; ErrUnknownRun is
// returned once the board has evicted them.
func (l *Launcher) Wait(ctx context.Context, runID uuid.UUID) (backup.Outcome, error) {
	l.mu.Lock()
	a, ok := l.active[runID]
	l.mu.Unlock()
	if !ok {
		view, found := l.board.Get(runID)
		if !found {
			return backup.Outcome{}, ErrUnknownRun
		}
		if view.Outcome == nil {
			return backup.Outcome{RunID: runID}, nil
		}
		return *view.Outcome, nil
	}

	select {
	case <-a.done:
		return a.outcome, nil
	case <-ctx.Done():
		return backup.Outcome{}, ctx.Err()
	}
}

// Cancel requests cancellation of a running run. It returns false for runs
// that finished or never existed.
func (l *Launcher) Cancel(runID uuid.UUID) bool {
	l.mu.Lock()
	a, ok := l.active[runID]
	l.mu.Unlock()
	if !ok {
		return false
	}
	l.coordinator.CancelRun(runID)
	a.cancel()
	l.logger.Info().Str("run_id", runID.String()).Msg("run cancellation requested")
	return true
}

// CancelAll requests cancellation of every running run and returns how
// many were signalled.
func (l *Launcher) CancelAll() int {
	l.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(l.active))
	for _, a := range l.active {
		cancels = append(cancels, a.cancel)
	}
	l.mu.Unlock()

	l.coordinator.CancelAllRuns()
	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		l.logger.Info().Int("runs", len(cancels)).Msg("cancellation requested for all runs")
	}
	return len(cancels)
}

// RunningRunIDs returns the ids of runs that have not finished.
func (l *Launcher) RunningRunIDs() []uuid.UUID {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(l.active))
	for id := range l.active {
		ids = append(ids, id)
	}
	return ids
}

// RunningCount returns the number of runs that have not finished.
func (l *Launcher) RunningCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// IsAccepting reports whether Start accepts new runs.
func (l *Launcher) IsAccepting() bool {
	return l.accepting.Load()
}

// StopAccepting makes every later Start fail with ErrNotAccepting.
func (l *Launcher) StopAccepting() {
	l.accepting.Store(false)
}

// WaitAll blocks until every launched run has finished or ctx ends.
func (l *Launcher) WaitAll(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
