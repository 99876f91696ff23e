package offsite

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
)

// Multi mirrors every upload to all member backends concurrently.
// Each member reads the source through its own io.SectionReader view,
// so concurrent seeks never interfere. The first member error cancels
// the remaining uploads and is returned to the caller.
type Multi struct {
	backends []Backend
}

// NewMulti creates a Multi over the given backends.
func NewMulti(backends ...Backend) *Multi {
	return &Multi{backends: backends}
}

// Upload fans the stream out to every member backend.
// src must also implement io.ReaderAt so each member gets an
// independent view; *os.File and *bytes.Reader both qualify.
func (m *Multi) Upload(ctx context.Context, src io.ReadSeeker, size int64, dest string) error {
	ra, ok := src.(io.ReaderAt)
	if !ok {
		return fmt.Errorf("offsite: multi upload requires an io.ReaderAt source")
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, b := range m.backends {
		g.Go(func() error {
			return b.Upload(gctx, io.NewSectionReader(ra, 0, size), size, dest)
		})
	}

	return g.Wait()
}
