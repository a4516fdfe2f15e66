package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/MacJediWizard/vmvault/internal/process"
	"github.com/rs/zerolog"
)

// DefaultArchivePollInterval is how often the growing archive is measured.
const DefaultArchivePollInterval = 200 * time.Millisecond

// Format selects the archiving tool and its argument convention.
type Format string

const (
	// FormatDitto uses macOS ditto: ditto -c -k --sequesterRsrc --keepParent <src> <dst>.
	FormatDitto Format = "ditto"
	// FormatZip uses Info-ZIP: zip -r -q <dst> <base>, run from the parent of <src>.
	FormatZip Format = "zip"
)

// DefaultFormat returns the native archiver format for the running OS.
func DefaultFormat() Format {
	if runtime.GOOS == "darwin" {
		return FormatDitto
	}
	return FormatZip
}

// ParseFormat parses a configured archiver format, defaulting when empty.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultFormat(), nil
	case FormatDitto:
		return FormatDitto, nil
	case FormatZip:
		return FormatZip, nil
	default:
		return "", fmt.Errorf("unknown archiver format %q", s)
	}
}

// Archiver drives an external archiving tool over a working copy.
type Archiver struct {
	runner       *process.Runner
	format       Format
	binary       string
	pollInterval time.Duration
	logger       zerolog.Logger
}

// NewArchiver creates a new Archiver. An empty binary uses the format's tool name.
func NewArchiver(runner *process.Runner, format Format, binary string, logger zerolog.Logger) *Archiver {
	if format == "" {
		format = DefaultFormat()
	}
	if binary == "" {
		binary = string(format)
	}
	return &Archiver{
		runner:       runner,
		format:       format,
		binary:       binary,
		pollInterval: DefaultArchivePollInterval,
		logger:       logger.With().Str("component", "archiver").Logger(),
	}
}

// WithPollInterval returns a copy of the archiver measuring the archive at interval d.
func (a *Archiver) WithPollInterval(d time.Duration) *Archiver {
	cp := *a
	if d > 0 {
		cp.pollInterval = d
	}
	return &cp
}

// command returns the working directory and arguments that archive src into
// dst with src's own directory as the single top-level entry.
func (a *Archiver) command(src, dst string) (string, []string) {
	switch a.format {
	case FormatDitto:
		return "", []string{"-c", "-k", "--sequesterRsrc", "--keepParent", src, dst}
	default:
		return filepath.Dir(src), []string{"-r", "-q", "-y", dst, filepath.Base(src)}
	}
}

// Archive creates the archive at dst from src. Progress is estimated from the
// archive's size relative to totalBytes and reported as a monotonically
// non-decreasing fraction in [0, 1]. A final 1 follows a successful exit.
func (a *Archiver) Archive(ctx context.Context, src, dst string, totalBytes int64, tok process.Canceler, onProgress func(float64)) error {
	dir, args := a.command(src, dst)

	a.logger.Debug().
		Str("source", src).
		Str("archive", dst).
		Str("format", string(a.format)).
		Msg("starting archiver")

	stopPolling := a.startPolling(dst, totalBytes, onProgress)
	defer stopPolling()

	res, err := a.runner.RunIn(ctx, dir, a.binary, args, tok)
	stopPolling()
	if err != nil {
		if errors.Is(err, process.ErrCancelled) {
			return ErrCancelled
		}
		return fmt.Errorf("%w: %v", ErrArchiveFailed, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %s exited with code %d: %s", ErrArchiveFailed, a.binary, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}

	if onProgress != nil {
		onProgress(1)
	}
	return nil
}

// startPolling measures dst every poll interval until the returned stop
// function is called. stop joins the poller and is safe to call repeatedly.
func (a *Archiver) startPolling(dst string, totalBytes int64, onProgress func(float64)) func() {
	if onProgress == nil || totalBytes <= 0 {
		return func() {}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(a.pollInterval)
		defer ticker.Stop()

		var last float64
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				info, err := os.Stat(dst)
				if err != nil {
					continue
				}
				fraction := min(float64(info.Size())/float64(totalBytes), 1)
				if fraction > last {
					last = fraction
					onProgress(fraction)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
		})
	}
}
