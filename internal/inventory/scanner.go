// Package inventory discovers the virtual machines available for backup.
package inventory

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MacJediWizard/vmvault/internal/backup"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// diskImageExts lists file extensions reported as disk images.
var diskImageExts = map[string]bool{
	".qcow2": true,
	".img":   true,
	".raw":   true,
	".vmdk":  true,
	".vdi":   true,
}

// Scanner finds VM bundle directories inside library directories.
type Scanner struct {
	dirs   []string
	suffix string
	logger zerolog.Logger
}

// NewScanner creates a new Scanner. suffix is matched case-insensitively
// against directory names, e.g. ".utm".
func NewScanner(dirs []string, suffix string, logger zerolog.Logger) *Scanner {
	return &Scanner{
		dirs:   dirs,
		suffix: strings.ToLower(suffix),
		logger: logger.With().Str("component", "bundle_scanner").Logger(),
	}
}

// Scan lists the bundles directly inside each library directory. Missing
// library directories are skipped.
func (s *Scanner) Scan(ctx context.Context) ([]backup.VirtualMachine, error) {
	var vms []backup.VirtualMachine
	seen := make(map[string]bool)

	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				s.logger.Debug().Str("dir", dir).Msg("library directory does not exist")
				continue
			}
			s.logger.Warn().Err(err).Str("dir", dir).Msg("failed to read library directory")
			continue
		}

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			name := entry.Name()
			if s.suffix == "" || !strings.HasSuffix(strings.ToLower(name), s.suffix) {
				continue
			}
			path := filepath.Join(dir, name)
			info, err := os.Stat(path)
			if err != nil || !info.IsDir() {
				continue
			}

			resolved, err := backup.Canonicalize(path)
			if err != nil {
				s.logger.Warn().Err(err).Str("path", path).Msg("failed to resolve bundle path")
				continue
			}
			if seen[resolved] {
				continue
			}
			seen[resolved] = true

			vms = append(vms, backup.VirtualMachine{
				ID:             BundleID(resolved),
				Name:           name[:len(name)-len(s.suffix)],
				BundlePath:     resolved,
				PathIsResolved: true,
				DiskImages:     findDiskImages(resolved),
			})
		}
	}

	sortByName(vms)
	s.logger.Debug().Int("count", len(vms)).Msg("scanned library directories")
	return vms, nil
}

// BundleID derives a stable identifier from a bundle path.
func BundleID(path string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+path)).String()
}

// findDiskImages returns the bundle-relative paths of disk image files.
func findDiskImages(bundle string) []string {
	var images []string
	_ = filepath.WalkDir(bundle, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() && diskImageExts[strings.ToLower(filepath.Ext(path))] {
			if rel, err := filepath.Rel(bundle, path); err == nil {
				images = append(images, rel)
			}
		}
		return nil
	})
	return images
}

func sortByName(vms []backup.VirtualMachine) {
	sort.SliceStable(vms, func(i, j int) bool {
		if vms[i].Name != vms[j].Name {
			return vms[i].Name < vms[j].Name
		}
		return vms[i].ID < vms[j].ID
	})
}
