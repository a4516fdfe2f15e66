package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RetentionPolicy bounds how many archives of one VM stay in a destination.
// An archive is kept when any rule keeps it.
type RetentionPolicy struct {
	// KeepLast keeps the newest n archives.
	KeepLast int `json:"keep_last,omitempty" yaml:"keep_last,omitempty"`
	// KeepDaily keeps the newest archive of each of the newest n days that
	// have an archive.
	KeepDaily int `json:"keep_daily,omitempty" yaml:"keep_daily,omitempty"`
}

// RetentionResult contains the results of one retention pass.
type RetentionResult struct {
	Applied         bool     `json:"applied"`
	ArchivesRemoved int      `json:"archives_removed"`
	ArchivesKept    int      `json:"archives_kept"`
	Removed         []string `json:"removed,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// ArchiveEntry is a published archive found in a destination.
type ArchiveEntry struct {
	Name    string
	Path    string
	TakenAt time.Time
	// Seq is the collision suffix, 1 for an unsuffixed name.
	Seq int
}

var archiveSuffix = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}_\d{6})(?:-(\d+))?` + regexp.QuoteMeta(ArchiveExtension) + `$`)

// ValidateRetentionPolicy validates a retention policy configuration.
func ValidateRetentionPolicy(policy *RetentionPolicy) error {
	if policy == nil {
		return errors.New("retention policy is nil")
	}
	if policy.KeepLast < 0 {
		return errors.New("keep_last cannot be negative")
	}
	if policy.KeepDaily < 0 {
		return errors.New("keep_daily cannot be negative")
	}
	if policy.KeepLast == 0 && policy.KeepDaily == 0 {
		return errors.New("at least one retention rule must be specified")
	}
	return nil
}

// MergeRetentionPolicy merges a partial policy into a base policy.
// Non-zero values in the override policy replace values in the base.
func MergeRetentionPolicy(base, override *RetentionPolicy) *RetentionPolicy {
	if base == nil {
		return override
	}
	if override == nil {
		return base
	}
	merged := *base
	if override.KeepLast > 0 {
		merged.KeepLast = override.KeepLast
	}
	if override.KeepDaily > 0 {
		merged.KeepDaily = override.KeepDaily
	}
	return &merged
}

// ListArchives returns the archives of vmName in dir, newest first. Files of
// other VMs, directories and unparseable names are skipped. Archives are
// matched by ArchiveBaseName, so VMs whose names sanitize alike (a/b and a:b)
// are indistinguishable here; CheckArchiveNames rejects such runs before
// retention touches them.
func ListArchives(dir, vmName string) ([]ArchiveEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read destination %s: %w", dir, err)
	}

	prefix := ArchiveBaseName(vmName) + "_"

	var out []ArchiveEntry
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		m := archiveSuffix.FindStringSubmatch(strings.TrimPrefix(e.Name(), prefix))
		if m == nil {
			continue
		}
		taken, err := time.ParseInLocation(RunTimestampLayout, m[1], time.Local)
		if err != nil {
			continue
		}
		seq := 1
		if n, err := strconv.Atoi(m[2]); err == nil {
			seq = n
		}
		out = append(out, ArchiveEntry{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			TakenAt: taken,
			Seq:     seq,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].TakenAt.Equal(out[j].TakenAt) {
			return out[i].TakenAt.After(out[j].TakenAt)
		}
		return out[i].Seq > out[j].Seq
	})
	return out, nil
}

// selectExpired returns the archives no rule of policy keeps. archives must
// be sorted newest first.
func selectExpired(archives []ArchiveEntry, policy RetentionPolicy) (kept, expired []ArchiveEntry) {
	keep := make([]bool, len(archives))
	for i := 0; i < len(archives) && i < policy.KeepLast; i++ {
		keep[i] = true
	}

	days := 0
	var lastDay string
	for i, a := range archives {
		if days >= policy.KeepDaily {
			break
		}
		day := a.TakenAt.Format("2006-01-02")
		if day == lastDay {
			continue
		}
		lastDay = day
		keep[i] = true
		days++
	}

	for i, a := range archives {
		if keep[i] {
			kept = append(kept, a)
		} else {
			expired = append(expired, a)
		}
	}
	return kept, expired
}

// RetentionEnforcer removes expired archives after successful backups.
type RetentionEnforcer struct {
	logger zerolog.Logger
}

// NewRetentionEnforcer creates a new RetentionEnforcer.
func NewRetentionEnforcer(logger zerolog.Logger) *RetentionEnforcer {
	return &RetentionEnforcer{
		logger: logger.With().Str("component", "retention").Logger(),
	}
}

// ApplyPolicy removes the archives of vmName in dir that policy no longer
// keeps. A nil policy is a no-op. Removal continues past individual
// failures; the first one is returned.
func (r *RetentionEnforcer) ApplyPolicy(dir, vmName string, policy *RetentionPolicy) (*RetentionResult, error) {
	if policy == nil {
		return &RetentionResult{Applied: false}, nil
	}
	if err := ValidateRetentionPolicy(policy); err != nil {
		return &RetentionResult{Applied: false, Error: err.Error()}, err
	}

	archives, err := ListArchives(dir, vmName)
	if err != nil {
		return &RetentionResult{Applied: false, Error: err.Error()}, err
	}
	kept, expired := selectExpired(archives, *policy)

	result := &RetentionResult{Applied: true, ArchivesKept: len(kept)}
	var firstErr error
	for _, a := range expired {
		if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
			r.logger.Warn().Err(err).Str("archive", a.Name).Msg("failed to remove expired archive")
			if firstErr == nil {
				firstErr = fmt.Errorf("remove %s: %w", a.Name, err)
			}
			result.ArchivesKept++
			continue
		}
		result.ArchivesRemoved++
		result.Removed = append(result.Removed, a.Name)
	}
	if firstErr != nil {
		result.Error = firstErr.Error()
	}

	r.logger.Info().
		Str("vm", vmName).
		Int("archives_removed", result.ArchivesRemoved).
		Int("archives_kept", result.ArchivesKept).
		Msg("retention policy applied")
	return result, firstErr
}
