package backup

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Token is a run's cancellation flag. It is safe for concurrent use.
type Token struct {
	flag atomic.Bool
}

// Cancel flags the token. Calling it more than once is a no-op.
func (t *Token) Cancel() {
	if t != nil {
		t.flag.Store(true)
	}
}

// IsCancelled reports whether the token has been flagged.
func (t *Token) IsCancelled() bool {
	return t != nil && t.flag.Load()
}

// Registry maps run ids to the cancellation tokens of in-flight runs.
type Registry struct {
	logger zerolog.Logger
	mu     sync.RWMutex
	tokens map[uuid.UUID]*Token
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "run_registry").Logger(),
		tokens: make(map[uuid.UUID]*Token),
	}
}

// Register creates and stores a fresh token for runID.
func (r *Registry) Register(runID uuid.UUID) *Token {
	tok := &Token{}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[runID] = tok
	r.logger.Debug().Str("run_id", runID.String()).Msg("run registered")
	return tok
}

// Unregister removes runID. It only removes the entry if it still holds tok,
// so a late Unregister never drops a newer registration for the same id.
func (r *Registry) Unregister(runID uuid.UUID, tok *Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tokens[runID]; ok && cur == tok {
		delete(r.tokens, runID)
		r.logger.Debug().Str("run_id", runID.String()).Msg("run unregistered")
	}
}

// CancelRun flags the token of runID. It reports false when the run is not
// registered, which is the case for finished or unknown runs.
func (r *Registry) CancelRun(runID uuid.UUID) bool {
	r.mu.RLock()
	tok, ok := r.tokens[runID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	tok.Cancel()
	r.logger.Info().Str("run_id", runID.String()).Msg("run cancellation requested")
	return true
}

// CancelAllRuns flags every registered token and returns how many there were.
func (r *Registry) CancelAllRuns() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tok := range r.tokens {
		tok.Cancel()
	}
	if len(r.tokens) > 0 {
		r.logger.Info().Int("runs", len(r.tokens)).Msg("cancellation requested for all runs")
	}
	return len(r.tokens)
}

// RunningRunIDs returns the ids of all registered runs.
func (r *Registry) RunningRunIDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.tokens))
	for id := range r.tokens {
		ids = append(ids, id)
	}
	return ids
}

// IsRunning reports whether runID is registered.
func (r *Registry) IsRunning(runID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tokens[runID]
	return ok
}

// RunningCount returns the number of registered runs.
func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}
