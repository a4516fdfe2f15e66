// Package runs launches backup runs in the background and keeps their
// presentation state for the CLI and the HTTP API.
package runs

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/MacJediWizard/vmvault/internal/backup"
	"github.com/google/uuid"
)

// ErrUnknownRun is returned for run ids the board has never seen or has
// already evicted.
var ErrUnknownRun = errors.New("unknown run")

// DefaultLogLimit bounds the log lines kept per run.
const DefaultLogLimit = 500

// DefaultHistoryLimit bounds how many finished runs the board keeps.
const DefaultHistoryLimit = 100

// subscriberBuffer is the channel capacity of each subscriber. Events that
// do not fit are dropped for that subscriber.
const subscriberBuffer = 256

// View is a snapshot of one run.
type View struct {
	RunID          uuid.UUID       `json:"run_id"`
	DestinationDir string          `json:"destination_dir"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	Running        bool            `json:"running"`
	Jobs           []backup.Job    `json:"jobs"`
	Log            []string        `json:"log,omitempty"`
	Outcome        *backup.Outcome `json:"outcome,omitempty"`
}

type entry struct {
	view View
	subs map[chan backup.Event]struct{}
}

// Board owns the presentation state of every run. All mutations happen under
// one mutex in the order events arrive.
type Board struct {
	mu           sync.RWMutex
	runs         map[uuid.UUID]*entry
	finished     []uuid.UUID
	logLimit     int
	historyLimit int
}

// NewBoard creates a new Board. logLimit <= 0 uses DefaultLogLimit and
// historyLimit <= 0 uses DefaultHistoryLimit. Running runs are never evicted;
// once more than historyLimit runs have finished the oldest finished ones
// are dropped.
func NewBoard(logLimit, historyLimit int) *Board {
	if logLimit <= 0 {
		logLimit = DefaultLogLimit
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Board{
		runs:         make(map[uuid.UUID]*entry),
		logLimit:     logLimit,
		historyLimit: historyLimit,
	}
}

// Begin records a new run.
func (b *Board) Begin(runID uuid.UUID, destination string, startedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs[runID] = &entry{
		view: View{
			RunID:          runID,
			DestinationDir: destination,
			StartedAt:      startedAt,
			Running:        true,
		},
		subs: make(map[chan backup.Event]struct{}),
	}
}

// Apply folds e into its run's state and forwards it to subscribers.
// Events for unknown runs are ignored.
func (b *Board) Apply(e backup.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	en, ok := b.runs[e.RunID]
	if !ok {
		return
	}
	v := &en.view
	switch e.Kind {
	case backup.EventJobsInitialized:
		v.Jobs = make([]backup.Job, len(e.Jobs))
		copy(v.Jobs, e.Jobs)
	case backup.EventJobUpdated:
		for i := range v.Jobs {
			if v.Jobs[i].ID != e.JobID {
				continue
			}
			v.Jobs[i].State = e.State
			v.Jobs[i].Detail = e.Detail
			if e.Progress != nil {
				v.Jobs[i].Progress = *e.Progress
			}
			break
		}
	case backup.EventLog:
		v.Log = append(v.Log, e.Line)
		if over := len(v.Log) - b.logLimit; over > 0 {
			v.Log = append([]string(nil), v.Log[over:]...)
		}
	}

	for ch := range en.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Finish stores the run's outcome, closes its subscriptions and evicts the
// oldest finished runs beyond the history limit.
func (b *Board) Finish(out backup.Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	en, ok := b.runs[out.RunID]
	if !ok || !en.view.Running {
		return
	}
	now := time.Now()
	en.view.Running = false
	en.view.FinishedAt = &now
	en.view.Outcome = &out
	if len(out.Jobs) > 0 {
		en.view.Jobs = make([]backup.Job, len(out.Jobs))
		copy(en.view.Jobs, out.Jobs)
	}
	for ch := range en.subs {
		close(ch)
	}
	en.subs = nil

	b.finished = append(b.finished, out.RunID)
	for len(b.finished) > b.historyLimit {
		delete(b.runs, b.finished[0])
		b.finished = b.finished[1:]
	}
}

// Get returns a snapshot of one run.
func (b *Board) Get(runID uuid.UUID) (View, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	en, ok := b.runs[runID]
	if !ok {
		return View{}, false
	}
	return en.view.clone(), true
}

// List returns snapshots of every run, newest first.
func (b *Board) List() []View {
	b.mu.RLock()
	views := make([]View, 0, len(b.runs))
	for _, en := range b.runs {
		views = append(views, en.view.clone())
	}
	b.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		return views[i].StartedAt.After(views[j].StartedAt)
	})
	return views
}

// Subscribe returns the run's current snapshot and a channel carrying every
// later event. The channel is closed when the run finishes, immediately for
// runs that already finished. The returned func releases the subscription.
func (b *Board) Subscribe(runID uuid.UUID) (View, <-chan backup.Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	en, ok := b.runs[runID]
	if !ok {
		return View{}, nil, nil, ErrUnknownRun
	}
	ch := make(chan backup.Event, subscriberBuffer)
	if en.subs == nil {
		close(ch)
		return en.view.clone(), ch, func() {}, nil
	}
	en.subs[ch] = struct{}{}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := en.subs[ch]; ok {
				delete(en.subs, ch)
				close(ch)
			}
		})
	}
	return en.view.clone(), ch, unsubscribe, nil
}

func (v View) clone() View {
	out := v
	out.Jobs = append([]backup.Job(nil), v.Jobs...)
	out.Log = append([]string(nil), v.Log...)
	if v.Outcome != nil {
		o := *v.Outcome
		out.Outcome = &o
	}
	return out
}
