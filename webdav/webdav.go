// Package webdav implements the offsite.Backend contract against any
// WebDAV server: delete whatever sits at the destination, then PUT the
// stream.
package webdav

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/studio-b12/gowebdav"
)

// Backend uploads streams to a WebDAV server.
type Backend struct {
	client *gowebdav.Client
	logger *slog.Logger
}

// New creates a WebDAV backend and probes the server with an
// authenticated request so misconfiguration surfaces at construction,
// not on the first upload.
func New(serverURL, username, password string, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := gowebdav.NewClient(serverURL, username, password)

	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("webdav: probing server: %w", err)
	}

	return &Backend{client: client, logger: logger}, nil
}

// Upload implements offsite.Backend. Any existing object at dest is
// removed first; a missing object is not an error.
func (b *Backend) Upload(ctx context.Context, src io.ReadSeeker, _ int64, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.logger.Debug("uploading file to webdav backend", slog.String("path", dest))

	// Best effort — the PUT below replaces content anyway on most
	// servers, but some reject overwrites of locked resources.
	if err := b.client.Remove(dest); err != nil {
		b.logger.Debug("webdav remove before upload failed",
			slog.String("path", dest),
			slog.String("error", err.Error()),
		)
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("webdav: seeking source: %w", err)
	}

	if err := b.client.WriteStream(dest, src, 0o644); err != nil {
		return fmt.Errorf("webdav: uploading %s: %w", dest, err)
	}

	return nil
}
