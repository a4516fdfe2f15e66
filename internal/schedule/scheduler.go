// Package schedule triggers backup runs on cron expressions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MacJediWizard/vmvault/internal/config"
	"github.com/MacJediWizard/vmvault/internal/runs"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrUnknownSchedule is returned by RunNow for names that are not registered.
var ErrUnknownSchedule = errors.New("unknown schedule")

// RunStarter starts backup runs and reports which are still running.
type RunStarter interface {
	Start(ctx context.Context, req runs.StartRequest) (uuid.UUID, error)
	RunningRunIDs() []uuid.UUID
}

// Entry describes one registered schedule.
type Entry struct {
	Name    string    `json:"name"`
	Cron    string    `json:"cron"`
	VMs     []string  `json:"vms,omitempty"`
	Next    time.Time `json:"next"`
	LastRun uuid.UUID `json:"last_run,omitempty"`
}

type entry struct {
	schedule config.Schedule
	id       cron.EntryID
	lastRun  uuid.UUID
}

// Scheduler registers configured schedules with cron and starts a run
// through the launcher on every trigger. A trigger is skipped while the
// schedule's previous run is still running.
type Scheduler struct {
	starter RunStarter
	cron    *cron.Cron
	logger  zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	running bool
}

// NewScheduler creates a new Scheduler using the standard five-field cron
// syntax plus descriptors such as @daily and @every.
func NewScheduler(starter RunStarter, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		starter: starter,
		cron:    cron.New(),
		logger:  logger.With().Str("component", "scheduler").Logger(),
		entries: make(map[string]*entry),
	}
}

// Start registers schedules and starts the cron goroutine. Schedules with an
// invalid expression are logged and skipped. It returns how many schedules
// were registered.
func (s *Scheduler) Start(schedules []config.Schedule) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return 0, errors.New("scheduler already running")
	}

	for _, sched := range schedules {
		if err := s.add(sched); err != nil {
			s.logger.Error().
				Err(err).
				Str("schedule", sched.Name).
				Str("cron_expression", sched.Cron).
				Msg("failed to add schedule")
		}
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().Int("active_schedules", len(s.entries)).Msg("backup scheduler started")
	return len(s.entries), nil
}

// Stop stops the cron goroutine and waits for running trigger functions to
// return. Runs already started keep running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("backup scheduler stopped")
}

func (s *Scheduler) add(sched config.Schedule) error {
	if _, exists := s.entries[sched.Name]; exists {
		return fmt.Errorf("duplicate schedule name %q", sched.Name)
	}
	name := sched.Name
	id, err := s.cron.AddFunc(sched.Cron, func() {
		s.trigger(name)
	})
	if err != nil {
		return fmt.Errorf("add cron entry: %w", err)
	}
	s.entries[name] = &entry{schedule: sched, id: id}

	s.logger.Debug().
		Str("schedule", name).
		Str("cron_expression", sched.Cron).
		Strs("vms", sched.VMs).
		Msg("added schedule")
	return nil
}

// RunNow triggers the named schedule immediately, regardless of its cron
// expression. It returns uuid.Nil without error when the trigger was skipped
// because the previous run is still running.
func (s *Scheduler) RunNow(name string) (uuid.UUID, error) {
	s.mu.Lock()
	_, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.start(name)
}

func (s *Scheduler) trigger(name string) {
	if _, err := s.start(name); err != nil {
		s.logger.Error().Err(err).Str("schedule", name).Msg("scheduled run failed to start")
	}
}

func (s *Scheduler) start(name string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	logger := s.logger.With().Str("schedule", name).Logger()

	if e.lastRun != uuid.Nil && s.isRunning(e.lastRun) {
		logger.Info().
			Str("run_id", e.lastRun.String()).
			Msg("scheduled run skipped: previous run still running")
		return uuid.Nil, nil
	}

	req := runs.StartRequest{
		VMs:            e.schedule.VMs,
		All:            len(e.schedule.VMs) == 0,
		DestinationDir: e.schedule.DestinationDir,
		Retention:      e.schedule.Retention,
	}
	runID, err := s.starter.Start(context.Background(), req)
	if err != nil {
		return uuid.Nil, err
	}
	e.lastRun = runID

	logger.Info().Str("run_id", runID.String()).Msg("scheduled run started")
	return runID, nil
}

func (s *Scheduler) isRunning(runID uuid.UUID) bool {
	for _, id := range s.starter.RunningRunIDs() {
		if id == runID {
			return true
		}
	}
	return false
}

// Entries returns the registered schedules sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for name, e := range s.entries {
		out = append(out, Entry{
			Name:    name,
			Cron:    e.schedule.Cron,
			VMs:     e.schedule.VMs,
			Next:    s.cron.Entry(e.id).Next,
			LastRun: e.lastRun,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
