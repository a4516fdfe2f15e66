package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// RunTimestampLayout names every archive produced by one run.
const RunTimestampLayout = "2006-01-02_150405"

// FallbackArchiveName is used when a VM name sanitizes to nothing.
const FallbackArchiveName = "VirtualMachine"

// ArchiveExtension is appended to every archive filename.
const ArchiveExtension = ".zip"

// stagingPrefix prefixes the run-scoped directory under the destination.
const stagingPrefix = ".vmvault-staging-"

// RunTimestamp formats t for use in archive names.
func RunTimestamp(t time.Time) string {
	return t.Format(RunTimestampLayout)
}

// SanitizeName replaces characters that are illegal in filenames with an
// underscore and trims leading and trailing spaces and dots.
func SanitizeName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if unicode.IsControl(r) {
			return '_'
		}
		return r
	}, name)
	return strings.Trim(mapped, " .")
}

// ArchiveBaseName returns the sanitized name every archive of vmName starts
// with.
func ArchiveBaseName(vmName string) string {
	base := SanitizeName(vmName)
	if base == "" {
		base = FallbackArchiveName
	}
	return base
}

// ArchiveFilename returns "<sanitized-name>_<timestamp>.zip".
func ArchiveFilename(vmName, timestamp string) string {
	return ArchiveBaseName(vmName) + "_" + timestamp + ArchiveExtension
}

// CheckArchiveNames returns ErrArchiveNameConflict when a target shares its
// archive base name with a differently named VM among targets or known.
func CheckArchiveNames(targets, known []VirtualMachine) error {
	owners := make(map[string]string, len(known)+len(targets))
	for _, vm := range known {
		base := ArchiveBaseName(vm.Name)
		if _, ok := owners[base]; !ok {
			owners[base] = vm.Name
		}
	}
	for _, vm := range targets {
		base := ArchiveBaseName(vm.Name)
		owner, ok := owners[base]
		if !ok {
			owners[base] = vm.Name
			continue
		}
		if owner != vm.Name {
			return fmt.Errorf("%w: %q and %q both archive as %q", ErrArchiveNameConflict, owner, vm.Name, base)
		}
	}
	return nil
}

// JobID derives a job id from the run, the target and the run start time.
func JobID(runID uuid.UUID, targetID string, startedAt time.Time) string {
	return fmt.Sprintf("%s-%s-%d", runID, targetID, startedAt.UnixNano())
}

// StagingRoot is the run-scoped directory holding every transient artifact.
func StagingRoot(destination string, runID uuid.UUID) string {
	return filepath.Join(destination, stagingPrefix+runID.String())
}

// uniquePath returns path, or path with a -2, -3, ... suffix before the
// extension when something already exists there.
func uniquePath(path string) string {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, i, ext)
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
