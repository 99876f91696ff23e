// Package offsite defines the backend contract shared by every upload
// destination: a byte stream, its declared size, and a destination path
// relative to the backend's configured root. Concrete backends live in
// their own packages (local, webdav, onedrive).
package offsite

import (
	"context"
	"io"
)

// Backend uploads a single byte stream to a destination path.
//
// src must support random seeking for the call's duration — resumable
// backends may re-read earlier byte ranges. The backend only reads src
// and never retains it beyond the call. size is the total number of
// bytes src will yield from offset 0. dest is a slash-separated path
// relative to the backend's configured root; absolute paths are
// rejected by backends that enforce a root.
//
// Upload blocks until the transfer completes or fails. Existing objects
// at dest are replaced.
type Backend interface {
	Upload(ctx context.Context, src io.ReadSeeker, size int64, dest string) error
}
