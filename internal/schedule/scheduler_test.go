package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/vmvault/internal/backup"
	"github.com/MacJediWizard/vmvault/internal/config"
	"github.com/MacJediWizard/vmvault/internal/runs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStarter struct {
	mu       sync.Mutex
	requests []runs.StartRequest
	running  map[uuid.UUID]bool
	err      error
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{running: make(map[uuid.UUID]bool)}
}

func (f *fakeStarter) Start(_ context.Context, req runs.StartRequest) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return uuid.Nil, f.err
	}
	f.requests = append(f.requests, req)
	id := uuid.New()
	f.running[id] = true
	return id, nil
}

func (f *fakeStarter) RunningRunIDs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(f.running))
	for id := range f.running {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeStarter) finish(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, id)
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func TestScheduler_Start(t *testing.T) {
	s := NewScheduler(newFakeStarter(), zerolog.Nop())

	n, err := s.Start([]config.Schedule{
		{Name: "nightly", Cron: "0 2 * * *", VMs: []string{"web"}},
		{Name: "broken", Cron: "not a cron"},
		{Name: "weekly", Cron: "@weekly"},
		{Name: "nightly", Cron: "0 3 * * *"},
	})
	require.NoError(t, err)
	defer s.Stop()

	assert.Equal(t, 2, n, "invalid and duplicate schedules are skipped")

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "nightly", entries[0].Name)
	assert.Equal(t, "weekly", entries[1].Name)
	assert.False(t, entries[0].Next.IsZero())
	assert.Equal(t, 2, entries[0].Next.Hour())

	_, err = s.Start(nil)
	assert.Error(t, err, "second start must fail")
}

func TestScheduler_RunNow(t *testing.T) {
	starter := newFakeStarter()
	s := NewScheduler(starter, zerolog.Nop())
	_, err := s.Start([]config.Schedule{
		{Name: "web", Cron: "@daily", VMs: []string{"web"}, DestinationDir: "/backups/web"},
		{Name: "everything", Cron: "@daily", Retention: &backup.RetentionPolicy{KeepLast: 3}},
	})
	require.NoError(t, err)
	defer s.Stop()

	id, err := s.RunNow("web")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	_, err = s.RunNow("everything")
	require.NoError(t, err)

	require.Len(t, starter.requests, 2)
	assert.Equal(t, runs.StartRequest{VMs: []string{"web"}, DestinationDir: "/backups/web"}, starter.requests[0])
	assert.True(t, starter.requests[1].All, "schedule without vms backs up everything")
	assert.Equal(t, &backup.RetentionPolicy{KeepLast: 3}, starter.requests[1].Retention)

	_, err = s.RunNow("missing")
	assert.ErrorIs(t, err, ErrUnknownSchedule)
}

func TestScheduler_SkipsWhilePreviousRunIsRunning(t *testing.T) {
	starter := newFakeStarter()
	s := NewScheduler(starter, zerolog.Nop())
	_, err := s.Start([]config.Schedule{{Name: "web", Cron: "@daily", VMs: []string{"web"}}})
	require.NoError(t, err)
	defer s.Stop()

	first, err := s.RunNow("web")
	require.NoError(t, err)

	skipped, err := s.RunNow("web")
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, skipped)
	assert.Equal(t, 1, starter.count())

	starter.finish(first)
	second, err := s.RunNow("web")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, second)
	assert.Equal(t, 2, starter.count())
	assert.Equal(t, second, s.Entries()[0].LastRun)
}

func TestScheduler_StartError(t *testing.T) {
	starter := newFakeStarter()
	starter.err = runs.ErrNotAccepting
	s := NewScheduler(starter, zerolog.Nop())
	_, err := s.Start([]config.Schedule{{Name: "web", Cron: "@daily"}})
	require.NoError(t, err)
	defer s.Stop()

	_, err = s.RunNow("web")
	assert.True(t, errors.Is(err, runs.ErrNotAccepting))
}

func TestScheduler_CronTriggers(t *testing.T) {
	starter := newFakeStarter()
	s := NewScheduler(starter, zerolog.Nop())
	_, err := s.Start([]config.Schedule{{Name: "often", Cron: "@every 1s"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return starter.count() >= 1
	}, 5*time.Second, 50*time.Millisecond)

	s.Stop()
	s.Stop()
}
