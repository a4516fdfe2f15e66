// Package shutdown provides graceful shutdown coordination for the vmvault daemon.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State represents the current shutdown state.
type State string

const (
	// StateRunning indicates the daemon is running normally.
	StateRunning State = "running"
	// StateDraining indicates no new runs are accepted and running runs may finish.
	StateDraining State = "draining"
	// StateCancelling indicates the drain budget ran out and remaining runs are being cancelled.
	StateCancelling State = "cancelling"
	// StateComplete indicates shutdown is complete.
	StateComplete State = "complete"
)

// RunTracker is the set of backup runs shutdown waits for.
type RunTracker interface {
	// RunningRunIDs returns the ids of runs that have not finished.
	RunningRunIDs() []uuid.UUID

	// StopAccepting rejects every later run start.
	StopAccepting()

	// CancelAll requests cancellation of every running run and returns how many were signalled.
	CancelAll() int

	// WaitAll blocks until every run has finished or ctx ends.
	WaitAll(ctx context.Context) error
}

// Status represents the current shutdown status.
type Status struct {
	State            State         `json:"state"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	TimeRemaining    time.Duration `json:"time_remaining,omitempty"`
	RunningRuns      int           `json:"running_runs"`
	CancelledRuns    int           `json:"cancelled_runs"`
	AcceptingNewRuns bool          `json:"accepting_new_runs"`
	Message          string        `json:"message,omitempty"`
}

// Config holds configuration for the shutdown manager.
type Config struct {
	// Timeout is the maximum time to wait for graceful shutdown.
	Timeout time.Duration

	// DrainTimeout is how long running runs may continue before they are cancelled.
	DrainTimeout time.Duration

	// PollInterval is how often running runs are counted while draining.
	PollInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      60 * time.Second,
		DrainTimeout: 30 * time.Second,
		PollInterval: time.Second,
	}
}

// Manager coordinates graceful shutdown of the vmvault daemon.
type Manager struct {
	config        Config
	tracker       RunTracker
	logger        zerolog.Logger
	mu            sync.RWMutex
	state         State
	startedAt     *time.Time
	cancelled     int32
	acceptingRuns atomic.Bool
	doneCh        chan struct{}
	shutdownOnce  sync.Once
}

// NewManager creates a new shutdown manager.
func NewManager(config Config, tracker RunTracker, logger zerolog.Logger) *Manager {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	m := &Manager{
		config:  config,
		tracker: tracker,
		logger:  logger.With().Str("component", "shutdown_manager").Logger(),
		state:   StateRunning,
		doneCh:  make(chan struct{}),
	}
	m.acceptingRuns.Store(true)
	return m
}

// IsAcceptingRuns returns true if new backup runs may start.
func (m *Manager) IsAcceptingRuns() bool {
	return m.acceptingRuns.Load()
}

// GetState returns the current shutdown state.
func (m *Manager) GetState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetStatus returns the current shutdown status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{
		State:            m.state,
		StartedAt:        m.startedAt,
		CancelledRuns:    int(atomic.LoadInt32(&m.cancelled)),
		AcceptingNewRuns: m.acceptingRuns.Load(),
	}

	if m.tracker != nil {
		status.RunningRuns = len(m.tracker.RunningRunIDs())
	}

	if m.startedAt != nil {
		remaining := m.config.Timeout - time.Since(*m.startedAt)
		if remaining > 0 {
			status.TimeRemaining = remaining
		}
	}

	switch m.state {
	case StateRunning:
		status.Message = "Accepting backup runs"
	case StateDraining:
		status.Message = "Not accepting new runs, waiting for running runs to finish"
	case StateCancelling:
		status.Message = "Cancelling remaining runs"
	case StateComplete:
		status.Message = "Shutdown complete"
	}

	return status
}

// Shutdown stops accepting runs, waits up to the drain budget for running
// runs to finish, then cancels the rest and waits for them to unwind. Only
// the first call does any work.
func (m *Manager) Shutdown(ctx context.Context) error {
	var shutdownErr error
	m.shutdownOnce.Do(func() {
		shutdownErr = m.doShutdown(ctx)
	})
	return shutdownErr
}

func (m *Manager) doShutdown(ctx context.Context) error {
	m.logger.Info().
		Dur("timeout", m.config.Timeout).
		Dur("drain_timeout", m.config.DrainTimeout).
		Msg("initiating graceful shutdown")

	now := time.Now()
	m.setState(StateDraining, &now)

	m.acceptingRuns.Store(false)
	if m.tracker == nil {
		return m.complete(now)
	}
	m.tracker.StopAccepting()
	m.logger.Info().Msg("stopped accepting new backup runs")

	// Phase 1: let running runs finish on their own
	drainCtx, drainCancel := context.WithTimeout(ctx, m.config.DrainTimeout)
	remaining := m.waitForRuns(drainCtx)
	drainCancel()

	if ctx.Err() != nil {
		m.logger.Warn().Msg("shutdown cancelled during drain phase")
		return m.forceShutdown()
	}
	if remaining == 0 {
		return m.complete(now)
	}

	// Phase 2: cancel what is left and wait for the runs to unwind
	m.setState(StateCancelling, nil)
	n := m.tracker.CancelAll()
	atomic.AddInt32(&m.cancelled, int32(n))
	m.logger.Warn().Int("runs", n).Msg("drain budget exhausted, cancelling remaining runs")

	unwind := m.config.Timeout - time.Since(now)
	if unwind < m.config.PollInterval {
		unwind = m.config.PollInterval
	}
	unwindCtx, unwindCancel := context.WithTimeout(ctx, unwind)
	if err := m.tracker.WaitAll(unwindCtx); err != nil {
		m.logger.Warn().
			Err(err).
			Int("running_runs", len(m.tracker.RunningRunIDs())).
			Msg("runs still unwinding at shutdown timeout")
	}
	unwindCancel()

	return m.complete(now)
}

// waitForRuns polls until no run is running or ctx ends and returns the
// number still running.
func (m *Manager) waitForRuns(ctx context.Context) int {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		running := len(m.tracker.RunningRunIDs())
		if running == 0 {
			m.logger.Info().Msg("all runs completed")
			return 0
		}

		m.logger.Info().
			Int("running_runs", running).
			Msg("waiting for running runs to complete")

		select {
		case <-ctx.Done():
			return len(m.tracker.RunningRunIDs())
		case <-ticker.C:
		}
	}
}

func (m *Manager) setState(state State, startedAt *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	if startedAt != nil {
		m.startedAt = startedAt
	}
}

func (m *Manager) complete(started time.Time) error {
	m.setState(StateComplete, nil)
	close(m.doneCh)

	m.logger.Info().
		Dur("duration", time.Since(started)).
		Int("cancelled_runs", int(atomic.LoadInt32(&m.cancelled))).
		Msg("graceful shutdown complete")
	return nil
}

// forceShutdown cancels every run without waiting for them.
func (m *Manager) forceShutdown() error {
	m.logger.Warn().Msg("forcing immediate shutdown")

	if m.tracker != nil {
		n := m.tracker.CancelAll()
		atomic.AddInt32(&m.cancelled, int32(n))
	}
	m.setState(StateComplete, nil)
	close(m.doneCh)

	return nil
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}

// WaitForShutdown blocks until shutdown is complete.
func (m *Manager) WaitForShutdown() {
	<-m.doneCh
}
