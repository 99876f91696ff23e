package onedrive

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is to check.
var (
	// ErrTokenRefresh indicates the token endpoint rejected the refresh
	// token or was unreachable. The previous credential snapshot stays
	// in effect.
	ErrTokenRefresh = errors.New("onedrive: token refresh failed")

	// ErrStateMismatch indicates the OAuth2 state returned by the
	// browser callback did not match the one we issued (possible CSRF).
	ErrStateMismatch = errors.New("onedrive: oauth2 state mismatch")

	// ErrSessionExpired indicates the upload session's expiration passed
	// before the transfer finished. No further chunks are sent.
	ErrSessionExpired = errors.New("onedrive: upload session expired")

	// ErrHashMismatch indicates the hash the server reported for the
	// committed item does not match the local content.
	ErrHashMismatch = errors.New("onedrive: content hash mismatch")
)

// Operation names used in RequestError, one per remote call site.
const (
	opResolve       = "resolve folder"
	opCreateFolder  = "create folder"
	opCreateSession = "create upload session"
	opUpload        = "upload file"
	opUploadChunk   = "upload chunk"
)

// RequestError reports a failed remote call: either a transport failure
// (Err set, StatusCode zero) or an unexpected HTTP status (StatusCode
// set, Message holding the response body).
type RequestError struct {
	Op         string
	Path       string
	StatusCode int
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("onedrive: %s %s: %v", e.Op, e.Path, e.Err)
	}

	return fmt.Sprintf("onedrive: %s %s: HTTP %d: %s", e.Op, e.Path, e.StatusCode, e.Message)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// FileTooLargeError is returned before any network call when the
// declared size exceeds the service maximum.
type FileTooLargeError struct {
	Path string
	Size int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("onedrive: file %s is too large (%s): the maximum file size is 250 GB",
		e.Path, formatSize(e.Size))
}

// InvalidPathError is returned for absolute destination paths and for
// paths with no parseable parent or leaf.
type InvalidPathError struct {
	Path string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("onedrive: invalid path: %s", e.Path)
}

// ParseError is returned when a response decodes but lacks the expected
// shape (e.g. a driveItem without an id).
type ParseError struct {
	Context string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("onedrive: failed to parse response: %s", e.Context)
}
