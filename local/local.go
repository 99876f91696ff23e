// Package local implements the offsite.Backend contract against a
// local directory. Its main use is as a cheap mirror target and as the
// reference behavior the remote backends are measured against.
package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
)

// Backend copies streams into a root directory on the local filesystem.
type Backend struct {
	root   string
	logger *slog.Logger
}

// New creates a local backend rooted at root. The directory does not
// need to exist yet; missing directories are created per upload.
func New(root string, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}

	return &Backend{root: root, logger: logger}
}

// Upload implements offsite.Backend. Existing files are replaced.
func (b *Backend) Upload(ctx context.Context, src io.ReadSeeker, _ int64, dest string) error {
	if path.IsAbs(dest) {
		return fmt.Errorf("local: invalid path: %s", dest)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	target := filepath.Join(b.root, filepath.FromSlash(dest))

	b.logger.Debug("uploading file to local backend", slog.String("target", target))

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("local: creating directory for %s: %w", dest, err)
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("local: seeking source: %w", err)
	}

	// Create truncates any existing file, matching replace-on-collision.
	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("local: creating file %s: %w", dest, err)
	}

	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("local: copying data to %s: %w", dest, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("local: closing %s: %w", dest, err)
	}

	return nil
}
