package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/MacJediWizard/vmvault/internal/process"
	"github.com/rs/zerolog"
)

// DefaultChunkSize bounds how much is copied between cancellation checks.
const DefaultChunkSize = 1 << 20

// ProgressFunc receives cumulative bytes copied and the precomputed total.
type ProgressFunc func(copied, total int64)

// Copier copies directory trees file by file.
type Copier struct {
	chunkSize int
	logger    zerolog.Logger
}

// NewCopier creates a new Copier.
func NewCopier(logger zerolog.Logger) *Copier {
	return &Copier{
		chunkSize: DefaultChunkSize,
		logger:    logger.With().Str("component", "copier").Logger(),
	}
}

// TreeSize returns the total size of the regular files under root, skipping
// hidden files and directories.
func TreeSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root && isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure %s: %w", root, err)
	}
	return total, nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// CopyTree recreates src under dst, copying directories and regular files.
// Symbolic links and special files are skipped; any unreadable entry aborts
// the copy. onProgress is called after each file with the cumulative byte
// count clamped to the precomputed total.
func (c *Copier) CopyTree(ctx context.Context, src, dst string, tok process.Canceler, onProgress ProgressFunc) (int64, error) {
	total, err := TreeSize(src)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCopyFailed, err)
	}

	c.logger.Debug().
		Str("source", src).
		Str("destination", dst).
		Int64("total_bytes", total).
		Msg("copying tree")

	buf := make([]byte, c.chunkSize)
	var copied int64

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("%w: %v", ErrCopyFailed, walkErr)
		}
		if isCancelled(ctx, tok) {
			return ErrCancelled
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCopyFailed, err)
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCopyFailed, err)
			}
			if err := os.MkdirAll(target, info.Mode().Perm()|0700); err != nil {
				return fmt.Errorf("%w: create directory %s: %v", ErrCopyFailed, target, err)
			}
			return nil
		case d.Type().IsRegular():
			n, err := c.copyFile(ctx, path, target, buf, tok)
			copied += n
			if err != nil {
				return err
			}
			if onProgress != nil {
				onProgress(min(copied, total), total)
			}
			return nil
		default:
			c.logger.Debug().Str("path", path).Msg("skipping non-regular file")
			return nil
		}
	})
	if err != nil {
		return copied, err
	}

	c.logger.Debug().Int64("bytes", copied).Str("source", src).Msg("tree copied")
	return copied, nil
}

// copyFile truncates dst and copies src into it in chunks, checking for
// cancellation before each chunk.
func (c *Copier) copyFile(ctx context.Context, src, dst string, buf []byte, tok process.Canceler) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", ErrCopyFailed, src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", ErrCopyFailed, src, err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm()|0600)
	if err != nil {
		return 0, fmt.Errorf("%w: create %s: %v", ErrCopyFailed, dst, err)
	}

	var written int64
	for {
		if isCancelled(ctx, tok) {
			out.Close()
			return written, ErrCancelled
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				return written, fmt.Errorf("%w: write %s: %v", ErrCopyFailed, dst, werr)
			}
			written += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			out.Close()
			return written, fmt.Errorf("%w: read %s: %v", ErrCopyFailed, src, rerr)
		}
	}

	if err := out.Close(); err != nil {
		return written, fmt.Errorf("%w: close %s: %v", ErrCopyFailed, dst, err)
	}
	return written, nil
}

func isCancelled(ctx context.Context, tok process.Canceler) bool {
	if ctx.Err() != nil {
		return true
	}
	return tok != nil && tok.IsCancelled()
}
