package onedrive

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// tokenEndpoint fakes the OAuth2 token endpoint. Each successful
// refresh hands out a generation-matched access/refresh pair.
type tokenEndpoint struct {
	mu         sync.Mutex
	generation int
	fail       bool
	lastGrant  url.Values
}

func (te *tokenEndpoint) handler(t *testing.T) http.Handler {
	t.Helper()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())

		te.mu.Lock()
		defer te.mu.Unlock()

		te.lastGrant = r.PostForm

		if te.fail {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)

			return
		}

		te.generation++

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"access-%d","refresh_token":"refresh-%d","token_type":"Bearer","expires_in":3600}`,
			te.generation, te.generation)
	})
}

func (te *tokenEndpoint) setFail(fail bool) {
	te.mu.Lock()
	defer te.mu.Unlock()

	te.fail = fail
}

// withTokenEndpoint points the backend's oauth2 config at the fake.
func withTokenEndpoint(b *Backend, srv *httptest.Server) {
	b.oauth.Endpoint = oauth2.Endpoint{
		TokenURL:  srv.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

func TestRefresh_SwapsSnapshot(t *testing.T) {
	te := &tokenEndpoint{}
	srv := httptest.NewServer(te.handler(t))
	defer srv.Close()

	b := newTestBackend(t, "http://unused")
	withTokenEndpoint(b, srv)

	require.NoError(t, b.refresh(context.Background()))

	assert.Equal(t, "access-1", b.AccessToken())
	assert.Equal(t, "refresh-1", b.RefreshToken())

	te.mu.Lock()
	assert.Equal(t, "refresh_token", te.lastGrant.Get("grant_type"))
	assert.Equal(t, "test-refresh", te.lastGrant.Get("refresh_token"))
	te.mu.Unlock()
}

func TestRefresh_FailureKeepsOldSnapshot(t *testing.T) {
	te := &tokenEndpoint{fail: true}
	srv := httptest.NewServer(te.handler(t))
	defer srv.Close()

	b := newTestBackend(t, "http://unused")
	withTokenEndpoint(b, srv)

	err := b.refresh(context.Background())
	require.ErrorIs(t, err, ErrTokenRefresh)

	// Fail-open: the previous pair stays in effect.
	assert.Equal(t, "test-token", b.AccessToken())
	assert.Equal(t, "test-refresh", b.RefreshToken())
}

// countingTransport counts the requests routed through it.
type countingTransport struct {
	calls atomic.Int32
}

func (ct *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	ct.calls.Add(1)

	return http.DefaultTransport.RoundTrip(r)
}

func TestRefresh_UsesConfiguredHTTPClient(t *testing.T) {
	te := &tokenEndpoint{}
	srv := httptest.NewServer(te.handler(t))
	defer srv.Close()

	ct := &countingTransport{}

	b, err := newBackend(Config{
		ClientID:   "client-id",
		Root:       "/backups",
		HTTPClient: &http.Client{Transport: ct},
	})
	require.NoError(t, err)

	withTokenEndpoint(b, srv)
	b.creds.Store(&credentials{accessToken: "stale", refreshToken: "test-refresh"})

	require.NoError(t, b.refresh(context.Background()))

	// The token round trip went through the injected client, not
	// http.DefaultClient.
	assert.Equal(t, int32(1), ct.calls.Load())
	assert.Equal(t, "access-1", b.AccessToken())
}

func TestStoreToken_KeepsRefreshWhenNotRotated(t *testing.T) {
	b := newTestBackend(t, "http://unused")

	b.storeToken(&oauth2.Token{AccessToken: "new-access", Expiry: time.Now().Add(time.Hour)})

	assert.Equal(t, "new-access", b.AccessToken())
	assert.Equal(t, "test-refresh", b.RefreshToken())
}

// TestCredentials_SnapshotNeverTorn hammers the snapshot from reader
// goroutines while refreshes rotate it: every observed pair must be
// generation-consistent.
func TestCredentials_SnapshotNeverTorn(t *testing.T) {
	te := &tokenEndpoint{}
	srv := httptest.NewServer(te.handler(t))
	defer srv.Close()

	b := newTestBackend(t, "http://unused")
	withTokenEndpoint(b, srv)
	b.creds.Store(&credentials{accessToken: "access-0", refreshToken: "refresh-0"})

	var stop atomic.Bool

	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for !stop.Load() {
				cur := b.creds.Load()
				accessGen := strings.TrimPrefix(cur.accessToken, "access-")
				refreshGen := strings.TrimPrefix(cur.refreshToken, "refresh-")

				if accessGen != refreshGen {
					t.Errorf("torn snapshot: access %q with refresh %q", cur.accessToken, cur.refreshToken)
					return
				}
			}
		}()
	}

	for range 25 {
		require.NoError(t, b.refresh(context.Background()))
	}

	stop.Store(true)
	wg.Wait()
}

func TestRefreshLoop_RefreshesNearExpiry(t *testing.T) {
	te := &tokenEndpoint{}
	srv := httptest.NewServer(te.handler(t))
	defer srv.Close()

	b := newTestBackend(t, "http://unused")
	withTokenEndpoint(b, srv)
	b.poll = 5 * time.Millisecond
	b.creds.Store(&credentials{
		accessToken:  "stale",
		refreshToken: "test-refresh",
		expiresAt:    time.Now().Add(30 * time.Second), // inside the safety margin
	})

	b.startRefresher(context.Background())
	defer b.Close()

	require.Eventually(t, func() bool {
		return b.AccessToken() == "access-1"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRefreshLoop_SkipsFreshToken(t *testing.T) {
	te := &tokenEndpoint{}
	srv := httptest.NewServer(te.handler(t))
	defer srv.Close()

	b := newTestBackend(t, "http://unused")
	withTokenEndpoint(b, srv)
	b.poll = 5 * time.Millisecond

	b.startRefresher(context.Background())
	defer b.Close()

	time.Sleep(50 * time.Millisecond)

	// Expiry is an hour out; no refresh should have happened.
	assert.Equal(t, "test-token", b.AccessToken())
}

func TestRefreshLoop_SurvivesFailures(t *testing.T) {
	te := &tokenEndpoint{fail: true}
	srv := httptest.NewServer(te.handler(t))
	defer srv.Close()

	b := newTestBackend(t, "http://unused")
	withTokenEndpoint(b, srv)
	b.poll = 5 * time.Millisecond
	b.creds.Store(&credentials{
		accessToken:  "stale",
		refreshToken: "test-refresh",
		expiresAt:    time.Now(),
	})

	b.startRefresher(context.Background())
	defer b.Close()

	// Let a few failing ticks pass, then allow refresh to succeed.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, "stale", b.AccessToken())

	te.setFail(false)

	require.Eventually(t, func() bool {
		return strings.HasPrefix(b.AccessToken(), "access-")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClose_StopsRefresher(t *testing.T) {
	b := newTestBackend(t, "http://unused")
	b.poll = 5 * time.Millisecond

	b.startRefresher(context.Background())
	b.Close()

	// done is closed once the loop exits; Close already waited on it.
	select {
	case <-b.done:
	default:
		t.Fatal("refresher still running after Close")
	}
}

func TestHandleCallback_StateMismatch(t *testing.T) {
	resultCh := make(chan callbackResult, 1)

	req := httptest.NewRequest(http.MethodGet, "/?state=wrong&code=abc", nil)
	rec := httptest.NewRecorder()

	handleCallback(rec, req, "expected-state", resultCh)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	result := <-resultCh
	require.ErrorIs(t, result.err, ErrStateMismatch)
}

func TestHandleCallback_Success(t *testing.T) {
	resultCh := make(chan callbackResult, 1)

	req := httptest.NewRequest(http.MethodGet, "/?state=s1&code=auth-code-1", nil)
	rec := httptest.NewRecorder()

	handleCallback(rec, req, "s1", resultCh)

	assert.Equal(t, http.StatusOK, rec.Code)

	result := <-resultCh
	require.NoError(t, result.err)
	assert.Equal(t, "auth-code-1", result.code)
}

func TestHandleCallback_ProviderError(t *testing.T) {
	resultCh := make(chan callbackResult, 1)

	req := httptest.NewRequest(http.MethodGet, "/?state=s1&error=access_denied&error_description=nope", nil)
	rec := httptest.NewRecorder()

	handleCallback(rec, req, "s1", resultCh)

	result := <-resultCh
	require.Error(t, result.err)
	assert.Contains(t, result.err.Error(), "access_denied")
}

func TestHandleCallback_MissingCode(t *testing.T) {
	resultCh := make(chan callbackResult, 1)

	req := httptest.NewRequest(http.MethodGet, "/?state=s1", nil)
	rec := httptest.NewRecorder()

	handleCallback(rec, req, "s1", resultCh)

	result := <-resultCh
	require.Error(t, result.err)
}

func TestGenerateState(t *testing.T) {
	s1, err := generateState()
	require.NoError(t, err)
	assert.Len(t, s1, stateTokenBytes*2)

	s2, err := generateState()
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)
}
