// Package onedrive implements the offsite.Backend contract against a
// Microsoft Graph drive: short-lived bearer tokens kept fresh by a
// background refresher, virtual paths resolved to drive item IDs with
// on-demand folder creation, and resumable chunked upload sessions for
// large payloads.
package onedrive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const userAgent = "offsite/0.1"

// maxFileSize is the largest single file the service accepts (250 GB).
const maxFileSize = 250 * 1024 * 1024 * 1024

// chunkSize is both the session-upload chunk size and the threshold
// below which a direct single-request upload is used (10 MB).
const chunkSize = 10 * 1024 * 1024

// Background refresher timing: poll every refreshPoll, refresh when the
// token expires within refreshMargin.
const (
	refreshPoll   = 60 * time.Second
	refreshMargin = 120 * time.Second
)

// Region selects the national cloud the account lives in. It determines
// the OAuth2 endpoints and the Graph API base URL.
type Region string

const (
	RegionGlobal        Region = "global"
	RegionConsumers     Region = "consumers"
	RegionOrganizations Region = "organizations"
	RegionChina         Region = "china"
)

// ParseRegion validates a region name from configuration.
// The empty string maps to RegionGlobal.
func ParseRegion(s string) (Region, error) {
	switch Region(s) {
	case "":
		return RegionGlobal, nil
	case RegionGlobal, RegionConsumers, RegionOrganizations, RegionChina:
		return Region(s), nil
	default:
		return "", fmt.Errorf("onedrive: unknown region %q", s)
	}
}

func (r Region) authURL() string {
	switch r {
	case RegionConsumers:
		return "https://login.microsoftonline.com/consumers/oauth2/v2.0/authorize"
	case RegionOrganizations:
		return "https://login.microsoftonline.com/organizations/oauth2/v2.0/authorize"
	case RegionChina:
		return "https://login.chinacloudapi.cn/common/oauth2/v2.0/authorize"
	default:
		return "https://login.microsoftonline.com/common/oauth2/v2.0/authorize"
	}
}

func (r Region) tokenURL() string {
	switch r {
	case RegionConsumers:
		return "https://login.microsoftonline.com/consumers/oauth2/v2.0/token"
	case RegionOrganizations:
		return "https://login.microsoftonline.com/organizations/oauth2/v2.0/token"
	case RegionChina:
		return "https://login.chinacloudapi.cn/common/oauth2/v2.0/token"
	default:
		return "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	}
}

func (r Region) graphURL() string {
	if r == RegionChina {
		return "https://microsoftgraph.chinacloudapi.cn/v1.0"
	}

	return "https://graph.microsoft.com/v1.0"
}

// endpoint returns the oauth2 endpoint for the region. Credentials go
// in the request body, which is what the Microsoft identity platform
// expects for confidential clients.
func (r Region) endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   r.authURL(),
		TokenURL:  r.tokenURL(),
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

var oauthScopes = []string{"files.readwrite", "offline_access"}

// Config holds the immutable construction parameters for a Backend.
type Config struct {
	ClientID     string
	ClientSecret string
	Region       Region

	// RefreshToken seeds the initial token exchange for New. Ignored by
	// NewWithBrowser, which acquires one interactively.
	RefreshToken string

	// Root is the drive folder all destination paths are relative to.
	// Must be absolute ("/" for the drive root).
	Root string

	// HTTPClient is used for every request. nil means http.DefaultClient;
	// any timeout policy is the caller's concern.
	HTTPClient *http.Client

	// Logger receives structured progress and refresh-loop events.
	// nil means slog.Default().
	Logger *slog.Logger
}

// Backend uploads streams to a Microsoft Graph drive. It owns one
// background goroutine that keeps the access token fresh for the
// Backend's lifetime; Close stops it. Safe for concurrent use.
type Backend struct {
	oauth      oauth2.Config
	httpClient *http.Client
	logger     *slog.Logger
	root       string
	graphBase  string

	// creds is the current token snapshot, replaced as a whole on every
	// refresh so readers never observe a torn access/refresh pair.
	creds atomic.Pointer[credentials]

	cancel context.CancelFunc
	done   chan struct{}

	// Test seams, set by newBackend and overridden in tests.
	chunkSize int64
	now       func() time.Time
	poll      time.Duration
}

// credentials is an immutable access/refresh token pair with its expiry.
type credentials struct {
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// New constructs a Backend by exchanging cfg.RefreshToken for an
// initial token pair, then starts the background refresher. The
// refresher outlives ctx; it stops when Close is called.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	b, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	tok, err := b.exchange(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	if err != nil {
		return nil, err
	}

	b.storeToken(tok)
	b.startRefresher(ctx)

	return b, nil
}

// newBackend builds an unstarted Backend with no credentials.
func newBackend(cfg Config) (*Backend, error) {
	if !path.IsAbs(cfg.Root) {
		return nil, &InvalidPathError{Path: cfg.Root}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Backend{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     cfg.Region.endpoint(),
			Scopes:       oauthScopes,
		},
		httpClient: httpClient,
		logger:     logger,
		root:       path.Clean(cfg.Root),
		graphBase:  cfg.Region.graphURL(),
		chunkSize:  chunkSize,
		now:        time.Now,
		poll:       refreshPoll,
	}, nil
}

// Close stops the background refresher and waits for it to exit.
// The Backend must not be used afterwards.
func (b *Backend) Close() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
}

// AccessToken returns the access token from the current snapshot.
// Non-blocking; never fails.
func (b *Backend) AccessToken() string {
	return b.creds.Load().accessToken
}

// RefreshToken returns the refresh token from the current snapshot.
// Callers that want to reuse the account across processes persist this
// themselves; the Backend keeps tokens in memory only.
func (b *Backend) RefreshToken() string {
	return b.creds.Load().refreshToken
}

// Upload implements offsite.Backend. Payloads below the chunk threshold
// go up in a single PUT; larger ones through a resumable upload
// session. Oversized payloads fail before any network call.
func (b *Backend) Upload(ctx context.Context, src io.ReadSeeker, size int64, dest string) error {
	if size > maxFileSize {
		return &FileTooLargeError{Path: dest, Size: size}
	}

	logger := b.logger.With(
		slog.String("upload_id", uuid.NewString()),
		slog.String("path", dest),
		slog.Int64("size", size),
	)

	if size < b.chunkSize {
		return b.uploadSmall(ctx, logger, src, size, dest)
	}

	return b.uploadWithSession(ctx, logger, src, size, dest)
}

// do executes one authenticated request against the Graph API. The
// bearer token is whatever snapshot is current at call time.
func (b *Backend) do(ctx context.Context, method, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("onedrive: creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+b.AccessToken())
	req.Header.Set("User-Agent", userAgent)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return b.httpClient.Do(req)
}

// readBody drains and returns at most 8 KiB of a response body for
// error messages.
func readBody(r io.Reader) string {
	const maxErrBody = 8 * 1024

	body, err := io.ReadAll(io.LimitReader(r, maxErrBody))
	if err != nil {
		return "(failed to read response body)"
	}

	return string(body)
}
