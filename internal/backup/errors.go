package backup

import (
	"errors"

	"github.com/MacJediWizard/vmvault/internal/process"
)

// ErrNoTargets is returned when a run is requested without targets.
var ErrNoTargets = errors.New("no backup targets")

// ErrUnavailableBundle is returned when a target has no resolvable bundle directory.
var ErrUnavailableBundle = errors.New("unavailable bundle")

// ErrSafetyViolation is returned when job paths would nest unsafely.
var ErrSafetyViolation = errors.New("safety violation")

// ErrCopyFailed is returned when the bundle could not be copied.
var ErrCopyFailed = errors.New("copy failed")

// ErrArchiveFailed is returned when the archiver exits nonzero or cannot run.
var ErrArchiveFailed = errors.New("archive failed")

// ErrInsufficientSpace is returned when the destination cannot hold the job.
var ErrInsufficientSpace = errors.New("insufficient space")

// ErrArchiveNameConflict is returned when two VMs would publish archives
// under the same sanitized name, so retention could not tell them apart.
var ErrArchiveNameConflict = errors.New("archive name conflict")

// ErrCancelled is returned when cancellation is observed at a suspension point.
var ErrCancelled = process.ErrCancelled
