package backup

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestRegistry(t *testing.T) {
	t.Run("cancel flags the registered token", func(t *testing.T) {
		r := NewRegistry(zerolog.Nop())
		id := uuid.New()
		tok := r.Register(id)

		if tok.IsCancelled() {
			t.Fatal("fresh token should not be cancelled")
		}
		if !r.CancelRun(id) {
			t.Fatal("CancelRun() = false for registered run")
		}
		if !tok.IsCancelled() {
			t.Error("token should be cancelled")
		}
	})

	t.Run("cancel unknown run is a no-op", func(t *testing.T) {
		r := NewRegistry(zerolog.Nop())
		if r.CancelRun(uuid.New()) {
			t.Error("CancelRun() = true for unknown run")
		}
	})

	t.Run("cancel after unregister is a no-op", func(t *testing.T) {
		r := NewRegistry(zerolog.Nop())
		id := uuid.New()
		tok := r.Register(id)
		r.Unregister(id, tok)

		if r.CancelRun(id) {
			t.Error("CancelRun() = true for finished run")
		}
		if tok.IsCancelled() {
			t.Error("finished run token should not be flagged")
		}
		if r.RunningCount() != 0 {
			t.Errorf("RunningCount() = %d, want 0", r.RunningCount())
		}
	})

	t.Run("stale unregister keeps newer registration", func(t *testing.T) {
		r := NewRegistry(zerolog.Nop())
		id := uuid.New()
		old := r.Register(id)
		fresh := r.Register(id)
		r.Unregister(id, old)

		if !r.IsRunning(id) {
			t.Fatal("newer registration was removed")
		}
		r.CancelRun(id)
		if !fresh.IsCancelled() {
			t.Error("newer token should be cancelled")
		}
	})

	t.Run("cancel all", func(t *testing.T) {
		r := NewRegistry(zerolog.Nop())
		toks := []*Token{r.Register(uuid.New()), r.Register(uuid.New()), r.Register(uuid.New())}

		if n := r.CancelAllRuns(); n != 3 {
			t.Errorf("CancelAllRuns() = %d, want 3", n)
		}
		for i, tok := range toks {
			if !tok.IsCancelled() {
				t.Errorf("token %d not cancelled", i)
			}
		}
		if len(r.RunningRunIDs()) != 3 {
			t.Errorf("RunningRunIDs() = %d entries, want 3", len(r.RunningRunIDs()))
		}
	})

	t.Run("nil token is never cancelled", func(t *testing.T) {
		var tok *Token
		tok.Cancel()
		if tok.IsCancelled() {
			t.Error("nil token reported cancelled")
		}
	})

	t.Run("concurrent use", func(t *testing.T) {
		r := NewRegistry(zerolog.Nop())
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := uuid.New()
				tok := r.Register(id)
				r.CancelAllRuns()
				r.CancelRun(id)
				r.Unregister(id, tok)
			}()
		}
		wg.Wait()
		if r.RunningCount() != 0 {
			t.Errorf("RunningCount() = %d, want 0", r.RunningCount())
		}
	})
}
