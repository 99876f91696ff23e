package onedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// splitPath joins the configured root with a destination path and
// splits the result into its parent folder and leaf name. Absolute
// destinations are rejected — only paths relative to the root are
// legal.
func (b *Backend) splitPath(dest string) (parent, leaf string, err error) {
	if path.IsAbs(dest) {
		return "", "", &InvalidPathError{Path: dest}
	}

	full := path.Join(b.root, dest)

	parent, leaf = path.Split(full)
	if leaf == "" || leaf == "." || leaf == ".." {
		return "", "", &InvalidPathError{Path: dest}
	}

	parent = path.Clean(parent)

	return parent, leaf, nil
}

// encodePathSegments URL-encodes each segment of a slash-separated path
// so characters like #, ?, % and spaces survive interpolation into
// Graph API URLs.
func encodePathSegments(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}

// itemIDResponse is the slice of a driveItem response the resolver
// cares about.
type itemIDResponse struct {
	ID string `json:"id"`
}

// createFolderRequest is the POST body for folder creation.
type createFolderRequest struct {
	Name             string   `json:"name"`
	Folder           struct{} `json:"folder"`
	ConflictBehavior string   `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
}

// parentID resolves a drive folder path to its item ID. The drive root
// resolves through the dedicated root endpoint; anything else through a
// by-path lookup. A 404 means the folder does not exist yet and is
// recovered locally by creating it — see createFolder for the mutual
// recursion that makes this self-healing under concurrent creators.
func (b *Backend) parentID(ctx context.Context, folder string) (string, error) {
	var reqURL string
	if folder == "/" {
		reqURL = b.graphBase + "/me/drive/root"
	} else {
		reqURL = fmt.Sprintf("%s/me/drive/root:%s:", b.graphBase, encodePathSegments(folder))
	}

	resp, err := b.do(ctx, http.MethodGet, reqURL, "", nil)
	if err != nil {
		return "", &RequestError{Op: opResolve, Path: folder, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return decodeItemID(resp.Body, opResolve)
	case http.StatusNotFound:
		// Drain before reusing the connection for the create call.
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain

		return b.createFolder(ctx, folder)
	default:
		return "", &RequestError{
			Op: opResolve, Path: folder,
			StatusCode: resp.StatusCode, Message: readBody(resp.Body),
		}
	}
}

// createFolder creates folder under its parent (resolving — and if
// necessary creating — the parent first) with conflict behavior
// "replace", and returns the new folder's ID. Termination is bounded by
// path depth: every recursive step strictly shortens the path toward
// the root, and the root lookup never recurses.
func (b *Backend) createFolder(ctx context.Context, folder string) (string, error) {
	parent := path.Dir(folder)
	if folder == "/" || parent == folder {
		return "", &InvalidPathError{Path: folder}
	}

	parentID, err := b.parentID(ctx, parent)
	if err != nil {
		return "", err
	}

	id, status, err := b.postCreateFolder(ctx, parentID, folder)
	if err != nil || status != http.StatusNotFound {
		return id, err
	}

	// The parent vanished between lookup and create (or a concurrent
	// delete won). Recreate the parent, then retry the create once.
	parentID, err = b.createFolder(ctx, parent)
	if err != nil {
		return "", err
	}

	id, status, err = b.postCreateFolder(ctx, parentID, folder)
	if err != nil {
		return "", err
	}

	// A second 404 with a freshly created parent is not recoverable.
	if status == http.StatusNotFound {
		return "", &RequestError{
			Op: opCreateFolder, Path: folder,
			StatusCode: status, Message: "parent missing after recreate",
		}
	}

	return id, nil
}

// postCreateFolder issues one create-folder POST. A 404 is reported
// through the status return so createFolder can recurse; every other
// non-201 outcome is a hard error.
func (b *Backend) postCreateFolder(ctx context.Context, parentID, folder string) (string, int, error) {
	reqBody := createFolderRequest{
		Name:             path.Base(folder),
		ConflictBehavior: "replace",
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", 0, fmt.Errorf("onedrive: marshaling create folder request: %w", err)
	}

	reqURL := fmt.Sprintf("%s/me/drive/items/%s/children", b.graphBase, parentID)

	resp, err := b.do(ctx, http.MethodPost, reqURL, "application/json", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", 0, &RequestError{Op: opCreateFolder, Path: folder, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		id, err := decodeItemID(resp.Body, opCreateFolder)

		return id, resp.StatusCode, err
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain

		return "", resp.StatusCode, nil
	default:
		return "", resp.StatusCode, &RequestError{
			Op: opCreateFolder, Path: folder,
			StatusCode: resp.StatusCode, Message: readBody(resp.Body),
		}
	}
}

// decodeItemID extracts the id field from a driveItem response body.
func decodeItemID(r io.Reader, op string) (string, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("onedrive: reading %s response: %w", op, err)
	}

	var item itemIDResponse
	if err := json.Unmarshal(body, &item); err != nil {
		return "", &ParseError{Context: string(body)}
	}

	if item.ID == "" {
		return "", &ParseError{Context: string(body)}
	}

	return item.ID, nil
}
