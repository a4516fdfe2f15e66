// Package process runs external tools with concurrent output draining and
// cooperative cancellation.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrCancelled is returned when a run is cancelled before or during execution.
var ErrCancelled = errors.New("cancelled")

// DefaultPollInterval is how often the watcher checks for cancellation.
const DefaultPollInterval = 100 * time.Millisecond

// DefaultKillGrace is how long a child gets to exit after SIGTERM before it is killed.
const DefaultKillGrace = 5 * time.Second

// Canceler reports whether cancellation has been requested.
type Canceler interface {
	IsCancelled() bool
}

// Result holds the outcome of a finished process.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Runner executes external programs.
type Runner struct {
	pollInterval time.Duration
	killGrace    time.Duration
	logger       zerolog.Logger
}

// NewRunner creates a new Runner.
func NewRunner(logger zerolog.Logger) *Runner {
	return &Runner{
		pollInterval: DefaultPollInterval,
		killGrace:    DefaultKillGrace,
		logger:       logger.With().Str("component", "process_runner").Logger(),
	}
}

// WithPollInterval returns a copy of the runner using the given watcher interval.
func (r *Runner) WithPollInterval(d time.Duration) *Runner {
	cp := *r
	if d > 0 {
		cp.pollInterval = d
	}
	return &cp
}

// Run executes path with args and waits for it to exit. A nonzero exit code
// is not an error; it is reported in Result.ExitCode. The run fails with
// ErrCancelled if ctx is done or tok is flagged before or during execution.
func (r *Runner) Run(ctx context.Context, path string, args []string, tok Canceler) (*Result, error) {
	return r.RunIn(ctx, "", path, args, tok)
}

// RunIn is Run with the working directory set to dir.
func (r *Runner) RunIn(ctx context.Context, dir, path string, args []string, tok Canceler) (*Result, error) {
	if cancelled(ctx, tok) {
		return nil, ErrCancelled
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	setProcessGroup(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	r.logger.Debug().
		Str("command", path).
		Strs("args", args).
		Str("dir", dir).
		Msg("executing command")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	// Both streams are drained to EOF before Wait so a chatty child never
	// blocks on a full pipe.
	var stdout, stderr bytes.Buffer
	var readers errgroup.Group
	readers.Go(func() error {
		_, err := io.Copy(&stdout, stdoutPipe)
		return err
	})
	readers.Go(func() error {
		_, err := io.Copy(&stderr, stderrPipe)
		return err
	})

	done := make(chan struct{})
	var watcher sync.WaitGroup
	var wasCancelled bool
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		wasCancelled = r.watch(ctx, tok, cmd, done)
	}()

	readErr := readers.Wait()
	waitErr := cmd.Wait()
	close(done)
	watcher.Wait()

	// A child that exits cleanly while being signalled finished its work.
	if wasCancelled && waitErr != nil {
		r.logger.Debug().Str("command", path).Msg("command cancelled")
		return nil, ErrCancelled
	}
	if wasCancelled {
		r.logger.Debug().Str("command", path).Msg("command completed before cancellation took effect")
	}

	result := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("wait for %s: %w", path, waitErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	if readErr != nil {
		return nil, fmt.Errorf("read output of %s: %w", path, readErr)
	}

	r.logger.Debug().
		Str("command", path).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("command finished")

	return result, nil
}

// watch polls for cancellation until done is closed. On cancellation it
// terminates the child's process group, escalating to a kill after the grace
// period, and reports true. It never returns before done is closed.
func (r *Runner) watch(ctx context.Context, tok Canceler, cmd *exec.Cmd, done <-chan struct{}) bool {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return false
		case <-ctx.Done():
		case <-ticker.C:
			if tok == nil || !tok.IsCancelled() {
				continue
			}
		}
		break
	}

	select {
	case <-done:
		return false
	default:
	}

	if err := terminate(cmd); err != nil {
		_ = kill(cmd)
	}

	grace := time.NewTimer(r.killGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		r.logger.Warn().Str("command", cmd.Path).Msg("process ignored SIGTERM, killing")
		_ = kill(cmd)
		<-done
	}
	return true
}

func cancelled(ctx context.Context, tok Canceler) bool {
	if ctx.Err() != nil {
		return true
	}
	return tok != nil && tok.IsCancelled()
}
