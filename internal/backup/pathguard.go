package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Canonicalize returns an absolute, cleaned, symlink-resolved form of path.
// Trailing components that do not exist yet are resolved against their
// deepest existing ancestor.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path for %s: %w", path, err)
	}

	existing := abs
	var rest []string
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			parts := append([]string{resolved}, rest...)
			return filepath.Clean(filepath.Join(parts...)), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("resolve %s: %w", existing, err)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
}

// IsSameOrDescendant reports whether candidate equals base or is nested under it,
// comparing canonical paths. Paths that cannot be canonicalized are compared
// as cleaned absolute paths.
func IsSameOrDescendant(candidate, base string) bool {
	c, err := Canonicalize(candidate)
	if err != nil {
		c = filepath.Clean(candidate)
	}
	b, err := Canonicalize(base)
	if err != nil {
		b = filepath.Clean(base)
	}
	return nestedUnder(c, b)
}

func nestedUnder(candidate, base string) bool {
	rel, err := filepath.Rel(base, candidate)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// JobPaths are the locations a single job reads from and writes to.
type JobPaths struct {
	Bundle      string
	Destination string
	WorkDir     string
	WorkingCopy string
}

// Validate enforces the nesting rules that must hold before any file is
// touched: the work dir lives under the destination, the destination and the
// working copy are outside the bundle, and the bundle is outside the
// destination.
func (p JobPaths) Validate() error {
	if !IsSameOrDescendant(p.WorkDir, p.Destination) {
		return fmt.Errorf("%w: working directory %s is outside destination %s", ErrSafetyViolation, p.WorkDir, p.Destination)
	}
	if IsSameOrDescendant(p.Destination, p.Bundle) {
		return fmt.Errorf("%w: destination %s is inside bundle %s", ErrSafetyViolation, p.Destination, p.Bundle)
	}
	if IsSameOrDescendant(p.WorkingCopy, p.Bundle) {
		return fmt.Errorf("%w: working copy %s is inside bundle %s", ErrSafetyViolation, p.WorkingCopy, p.Bundle)
	}
	if IsSameOrDescendant(p.Bundle, p.Destination) {
		return fmt.Errorf("%w: bundle %s is inside destination %s", ErrSafetyViolation, p.Bundle, p.Destination)
	}
	return nil
}
