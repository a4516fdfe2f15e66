package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type flag struct{ v atomic.Bool }

func (f *flag) IsCancelled() bool { return f.v.Load() }

// writeScript writes an executable shell script into a temp dir and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newTestRunner() *Runner {
	return NewRunner(zerolog.Nop()).WithPollInterval(10 * time.Millisecond)
}

func TestRunner_Run(t *testing.T) {
	t.Run("captures stdout and stderr", func(t *testing.T) {
		script := writeScript(t, `echo "hello $1"; echo "warn" >&2`)

		res, err := newTestRunner().Run(context.Background(), script, []string{"world"}, nil)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.ExitCode != 0 {
			t.Errorf("ExitCode = %d, want 0", res.ExitCode)
		}
		if got := strings.TrimSpace(string(res.Stdout)); got != "hello world" {
			t.Errorf("Stdout = %q, want %q", got, "hello world")
		}
		if got := strings.TrimSpace(string(res.Stderr)); got != "warn" {
			t.Errorf("Stderr = %q, want %q", got, "warn")
		}
	})

	t.Run("nonzero exit is reported not returned", func(t *testing.T) {
		script := writeScript(t, `echo "disk full" >&2; exit 2`)

		res, err := newTestRunner().Run(context.Background(), script, nil, nil)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.ExitCode != 2 {
			t.Errorf("ExitCode = %d, want 2", res.ExitCode)
		}
		if !strings.Contains(string(res.Stderr), "disk full") {
			t.Errorf("Stderr = %q, want it to contain %q", res.Stderr, "disk full")
		}
	})

	t.Run("output larger than a pipe buffer on both streams", func(t *testing.T) {
		script := writeScript(t, `head -c 1048576 /dev/zero; head -c 1048576 /dev/zero >&2`)

		res, err := newTestRunner().Run(context.Background(), script, nil, nil)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if len(res.Stdout) != 1048576 {
			t.Errorf("len(Stdout) = %d, want 1048576", len(res.Stdout))
		}
		if len(res.Stderr) != 1048576 {
			t.Errorf("len(Stderr) = %d, want 1048576", len(res.Stderr))
		}
	})

	t.Run("runs in directory", func(t *testing.T) {
		dir := t.TempDir()
		script := writeScript(t, `pwd`)

		res, err := newTestRunner().RunIn(context.Background(), dir, script, nil, nil)
		if err != nil {
			t.Fatalf("RunIn() error = %v", err)
		}
		want, _ := filepath.EvalSymlinks(dir)
		got, _ := filepath.EvalSymlinks(strings.TrimSpace(string(res.Stdout)))
		if got != want {
			t.Errorf("pwd = %q, want %q", got, want)
		}
	})

	t.Run("missing executable", func(t *testing.T) {
		_, err := newTestRunner().Run(context.Background(), filepath.Join(t.TempDir(), "nope"), nil, nil)
		if err == nil {
			t.Fatal("expected error for missing executable")
		}
		if errors.Is(err, ErrCancelled) {
			t.Errorf("missing executable should not report cancellation: %v", err)
		}
	})
}

func TestRunner_Cancellation(t *testing.T) {
	t.Run("token flagged before start", func(t *testing.T) {
		script := writeScript(t, `echo ran`)
		tok := &flag{}
		tok.v.Store(true)

		_, err := newTestRunner().Run(context.Background(), script, nil, tok)
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("Run() error = %v, want ErrCancelled", err)
		}
	})

	t.Run("context done before start", func(t *testing.T) {
		script := writeScript(t, `echo ran`)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := newTestRunner().Run(ctx, script, nil, nil)
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("Run() error = %v, want ErrCancelled", err)
		}
	})

	t.Run("token flagged while running", func(t *testing.T) {
		script := writeScript(t, `sleep 30`)
		tok := &flag{}
		time.AfterFunc(100*time.Millisecond, func() { tok.v.Store(true) })

		start := time.Now()
		_, err := newTestRunner().Run(context.Background(), script, nil, tok)
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("Run() error = %v, want ErrCancelled", err)
		}
		if elapsed := time.Since(start); elapsed > 5*time.Second {
			t.Errorf("cancellation took %v", elapsed)
		}
	})

	t.Run("clean exit while being cancelled is not a cancellation", func(t *testing.T) {
		script := writeScript(t, `trap 'echo finished; exit 0' TERM; while :; do sleep 1; done`)
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(100*time.Millisecond, cancel)

		res, err := newTestRunner().Run(ctx, script, nil, nil)
		if err != nil {
			t.Fatalf("Run() error = %v, want nil", err)
		}
		if res.ExitCode != 0 {
			t.Errorf("ExitCode = %d, want 0", res.ExitCode)
		}
		if got := strings.TrimSpace(string(res.Stdout)); got != "finished" {
			t.Errorf("Stdout = %q, want %q", got, "finished")
		}
	})

	t.Run("context cancelled while running", func(t *testing.T) {
		script := writeScript(t, `sleep 30`)
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(100*time.Millisecond, cancel)

		start := time.Now()
		_, err := newTestRunner().Run(ctx, script, nil, nil)
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("Run() error = %v, want ErrCancelled", err)
		}
		if elapsed := time.Since(start); elapsed > 5*time.Second {
			t.Errorf("cancellation took %v", elapsed)
		}
	})
}
