// Package backup copies VM bundles into a destination directory and archives
// them, one job per VM, with cooperative cancellation and progress events.
package backup

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a backup job.
type State string

const (
	// StateQueued is the initial state of every job.
	StateQueued State = "queued"
	// StateCopying indicates the bundle is being copied into the working directory.
	StateCopying State = "copying"
	// StateArchiving indicates the archiver is running over the working copy.
	StateArchiving State = "archiving"
	// StateSucceeded indicates the archive was published.
	StateSucceeded State = "succeeded"
	// StateFailed indicates the job failed.
	StateFailed State = "failed"
	// StateCancelled indicates the job was cancelled.
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

func (s State) rank() int {
	switch s {
	case StateQueued:
		return 0
	case StateCopying:
		return 1
	case StateArchiving:
		return 2
	default:
		return 3
	}
}

// CanTransition reports whether a job may move from s to next.
func (s State) CanTransition(next State) bool {
	if s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// VirtualMachine is a backup target as supplied by the inventory.
type VirtualMachine struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	BundlePath     string   `json:"bundle_path,omitempty"`
	PathIsResolved bool     `json:"path_is_resolved"`
	DiskImages     []string `json:"disk_images,omitempty"`
}

// HasBundle reports whether the VM has a usable bundle directory.
func (vm VirtualMachine) HasBundle() bool {
	return vm.BundlePath != "" && vm.PathIsResolved
}

// Request describes one backup run.
type Request struct {
	RunID          uuid.UUID
	Targets        []VirtualMachine
	DestinationDir string
	StartedAt      time.Time
	// Retention, when set, prunes each target's older archives after its
	// job succeeds.
	Retention *RetentionPolicy
}

// Job is the observable state of one target within a run.
type Job struct {
	ID       string  `json:"id"`
	VMName   string  `json:"vm_name"`
	State    State   `json:"state"`
	Detail   string  `json:"detail"`
	Progress float64 `json:"progress"`
}

// EventKind identifies the kind of an Event.
type EventKind string

const (
	// EventJobsInitialized carries the full job list at run start.
	EventJobsInitialized EventKind = "jobs_initialized"
	// EventJobUpdated carries a state, detail or progress change for one job.
	EventJobUpdated EventKind = "job_updated"
	// EventLog carries a human-readable log line.
	EventLog EventKind = "log"
)

// Event is pushed to the caller's sink as a run proceeds. Events are never
// retained by the coordinator.
type Event struct {
	Kind     EventKind `json:"kind"`
	RunID    uuid.UUID `json:"run_id"`
	Jobs     []Job     `json:"jobs,omitempty"`
	JobID    string    `json:"job_id,omitempty"`
	State    State     `json:"state,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Progress *float64  `json:"progress,omitempty"`
	Line     string    `json:"line,omitempty"`
}

// Outcome is the final result of a run.
type Outcome struct {
	RunID                 uuid.UUID `json:"run_id"`
	Jobs                  []Job     `json:"jobs"`
	Failures              []string  `json:"failures,omitempty"`
	CancellationRequested bool      `json:"cancellation_requested"`
	StartupError          string    `json:"startup_error,omitempty"`
}

// Succeeded reports whether the run started and every job succeeded.
func (o Outcome) Succeeded() bool {
	if o.StartupError != "" {
		return false
	}
	for _, j := range o.Jobs {
		if j.State != StateSucceeded {
			return false
		}
	}
	return true
}
