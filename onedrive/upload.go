package onedrive

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/offsite-dev/offsite/pkg/quickxorhash"
)

// uploadSession is the server-side resumable-upload context: the
// pre-negotiated URL chunks are PUT to, and the expiry the server
// extends as chunks land.
type uploadSession struct {
	UploadURL          string    `json:"uploadUrl"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
}

// sessionStatus is the 202 response to an intermediate chunk: the byte
// ranges the server still wants, and the (possibly extended) expiry.
type sessionStatus struct {
	NextExpectedRanges []string  `json:"nextExpectedRanges"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
}

// createSessionRequest is the POST body for createUploadSession.
type createSessionRequest struct {
	Item        sessionItem `json:"item"`
	DeferCommit bool        `json:"deferCommit"`
}

type sessionItem struct {
	ConflictBehavior string `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
}

// uploadedItem is the driveItem fragment of a completed-upload response.
// Only the content hash is of interest.
type uploadedItem struct {
	File struct {
		Hashes struct {
			QuickXorHash string `json:"quickXorHash"`
		} `json:"hashes"`
	} `json:"file"`
}

// itemHash extracts the quickXorHash from a completed-upload response
// body. Bodies without a hash, or that don't decode, yield the empty
// string: verification is skipped, not failed.
func itemHash(body []byte) string {
	var item uploadedItem
	if err := json.Unmarshal(body, &item); err != nil {
		return ""
	}

	return item.File.Hashes.QuickXorHash
}

// verifyUpload rehashes the source from byte 0 and compares against the
// hash the server reported for the committed item. An empty remote hash
// skips verification; not every drive type reports one.
func verifyUpload(src io.ReadSeeker, size int64, remoteHash, dest string) error {
	if remoteHash == "" {
		return nil
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("onedrive: seeking source for verification: %w", err)
	}

	h := quickxorhash.New()
	if _, err := io.Copy(h, io.LimitReader(src, size)); err != nil {
		return fmt.Errorf("onedrive: rehashing source: %w", err)
	}

	localHash := base64.StdEncoding.EncodeToString(h.Sum(nil))
	if localHash != remoteHash {
		return fmt.Errorf("%w for %s: local %s, remote %s", ErrHashMismatch, dest, localHash, remoteHash)
	}

	return nil
}

// uploadSmall performs a direct single-request upload: the whole source
// is read into memory and PUT to the destination's content endpoint.
func (b *Backend) uploadSmall(
	ctx context.Context, logger *slog.Logger, src io.ReadSeeker, size int64, dest string,
) error {
	logger.Debug("direct upload")

	parent, leaf, err := b.splitPath(dest)
	if err != nil {
		return err
	}

	parentID, err := b.parentID(ctx, parent)
	if err != nil {
		return err
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("onedrive: seeking source: %w", err)
	}

	var body bytes.Buffer

	body.Grow(int(size))

	if _, err := io.Copy(&body, src); err != nil {
		return fmt.Errorf("onedrive: reading source: %w", err)
	}

	reqURL := fmt.Sprintf("%s/me/drive/items/%s:/%s:/content", b.graphBase, parentID, url.PathEscape(leaf))

	resp, err := b.do(ctx, http.MethodPut, reqURL, "application/octet-stream", bytes.NewReader(body.Bytes()))
	if err != nil {
		return &RequestError{Op: opUpload, Path: dest, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("onedrive: reading upload response: %w", readErr)
		}

		if err := verifyUpload(bytes.NewReader(body.Bytes()), size, itemHash(respBody), dest); err != nil {
			return err
		}

		logger.Info("upload complete", slog.String("mode", "direct"))

		return nil
	default:
		return &RequestError{
			Op: opUpload, Path: dest,
			StatusCode: resp.StatusCode, Message: readBody(resp.Body),
		}
	}
}

// sessionState tracks the chunk loop's progress through the states a
// resumable transfer can be in. complete, expired, and failed are
// terminal.
type sessionState int

const (
	stateTransferring sessionState = iota
	stateComplete
	stateExpired
	stateFailed
)

// uploadWithSession performs a resumable chunked upload. The loop is
// server-driven: each 202 response names the next byte range the server
// expects (not necessarily contiguous with the previous chunk), and the
// transfer ends only on a completion status or session expiry. A server
// that keeps requesting the same range forever would loop forever; no
// client-side iteration cap is imposed.
func (b *Backend) uploadWithSession(
	ctx context.Context, logger *slog.Logger, src io.ReadSeeker, size int64, dest string,
) error {
	session, err := b.createSession(ctx, dest)
	if err != nil {
		return err
	}

	logger.Debug("upload session created",
		slog.Time("expires_at", session.ExpirationDateTime),
	)

	var (
		start     int64
		expiresAt = session.ExpirationDateTime
		state     = stateTransferring
		chunks    int
		finalHash string
	)

	for state == stateTransferring {
		// Sending a chunk into an expired session is doomed; check first.
		if expiresAt.Before(b.now()) {
			state = stateExpired
			break
		}

		status, hash, err := b.putChunk(ctx, logger, session.UploadURL, src, size, start)
		if err != nil {
			state = stateFailed

			return err
		}

		chunks++

		switch {
		case status == nil, len(status.NextExpectedRanges) == 0:
			state = stateComplete
			finalHash = hash
		default:
			start, err = parseRangeStart(status.NextExpectedRanges[0])
			if err != nil {
				state = stateFailed

				return err
			}

			expiresAt = status.ExpirationDateTime
		}
	}

	if state == stateExpired {
		return ErrSessionExpired
	}

	if err := verifyUpload(src, size, finalHash, dest); err != nil {
		return err
	}

	logger.Info("upload complete",
		slog.String("mode", "session"),
		slog.Int("chunks", chunks),
	)

	return nil
}

// createSession requests a new upload session for dest with conflict
// behavior "replace". A session whose expiry already lies in the past
// is rejected up front.
func (b *Backend) createSession(ctx context.Context, dest string) (*uploadSession, error) {
	parent, leaf, err := b.splitPath(dest)
	if err != nil {
		return nil, err
	}

	parentID, err := b.parentID(ctx, parent)
	if err != nil {
		return nil, err
	}

	reqBody := createSessionRequest{
		Item:        sessionItem{ConflictBehavior: "replace"},
		DeferCommit: false,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("onedrive: marshaling upload session request: %w", err)
	}

	reqURL := fmt.Sprintf("%s/me/drive/items/%s:/%s:/createUploadSession",
		b.graphBase, parentID, url.PathEscape(leaf))

	resp, err := b.do(ctx, http.MethodPost, reqURL, "application/json", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, &RequestError{Op: opCreateSession, Path: dest, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &RequestError{
			Op: opCreateSession, Path: dest,
			StatusCode: resp.StatusCode, Message: readBody(resp.Body),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("onedrive: reading upload session response: %w", err)
	}

	var session uploadSession
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, &ParseError{Context: string(body)}
	}

	if session.UploadURL == "" {
		return nil, &ParseError{Context: string(body)}
	}

	if session.ExpirationDateTime.Before(b.now()) {
		return nil, ErrSessionExpired
	}

	return &session, nil
}

// putChunk seeks the source to start, reads up to one chunk, and PUTs
// it with its byte range. Returns the parsed session status for an
// intermediate (202) chunk, or a nil status and the committed item's
// content hash when the server reports completion.
func (b *Backend) putChunk(
	ctx context.Context, logger *slog.Logger, sessionURL string, src io.ReadSeeker, size, start int64,
) (*sessionStatus, string, error) {
	if _, err := src.Seek(start, io.SeekStart); err != nil {
		return nil, "", fmt.Errorf("onedrive: seeking source to %d: %w", start, err)
	}

	buf := make([]byte, b.chunkSize)

	n, err := io.ReadFull(src, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, "", fmt.Errorf("onedrive: reading source at %d: %w", start, err)
	}

	buf = buf[:n]

	logger.Debug("uploading chunk",
		slog.Int64("start", start),
		slog.Int("length", n),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, bytes.NewReader(buf))
	if err != nil {
		return nil, "", fmt.Errorf("onedrive: creating chunk request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+b.AccessToken())
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, start+int64(n)-1, size))
	req.ContentLength = int64(n)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", &RequestError{Op: opUploadChunk, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, "", fmt.Errorf("onedrive: reading chunk response: %w", readErr)
		}

		var status sessionStatus
		if err := json.Unmarshal(body, &status); err != nil {
			return nil, "", &ParseError{Context: string(body)}
		}

		return &status, "", nil
	case http.StatusOK, http.StatusCreated:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, "", fmt.Errorf("onedrive: reading chunk response: %w", readErr)
		}

		return nil, itemHash(body), nil
	default:
		return nil, "", &RequestError{
			Op: opUploadChunk,
			StatusCode: resp.StatusCode, Message: readBody(resp.Body),
		}
	}
}

// parseRangeStart extracts the start offset from a range expression of
// the form "start-end" or "start-" as reported in nextExpectedRanges.
func parseRangeStart(r string) (int64, error) {
	startStr, _, ok := strings.Cut(r, "-")
	if !ok {
		return 0, &ParseError{Context: "range " + r}
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, &ParseError{Context: "range " + r}
	}

	return start, nil
}
