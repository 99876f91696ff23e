package onedrive

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
)

// exchange runs one token-endpoint round trip seeded with tok (a bare
// refresh token forces the refresh grant) and classifies failures as
// ErrTokenRefresh. The configured HTTP client carries the request, same
// as every Graph call.
func (b *Backend) exchange(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)

	newTok, err := b.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRefresh, err)
	}

	return newTok, nil
}

// storeToken atomically replaces the credential snapshot. A token
// response without a rotated refresh token keeps the previous one.
func (b *Backend) storeToken(tok *oauth2.Token) {
	refresh := tok.RefreshToken
	if refresh == "" {
		if cur := b.creds.Load(); cur != nil {
			refresh = cur.refreshToken
		}
	}

	b.creds.Store(&credentials{
		accessToken:  tok.AccessToken,
		refreshToken: refresh,
		expiresAt:    tok.Expiry,
	})
}

// refresh exchanges the current refresh token for a new pair and swaps
// the snapshot in one step. On failure the previous snapshot stays in
// effect — uploads keep using the old token until it truly expires.
func (b *Backend) refresh(ctx context.Context) error {
	cur := b.creds.Load()

	tok, err := b.exchange(ctx, &oauth2.Token{RefreshToken: cur.refreshToken})
	if err != nil {
		return err
	}

	b.storeToken(tok)

	return nil
}

// startRefresher launches the background refresh loop. Its context is
// detached from ctx's cancellation: the loop runs until Close.
func (b *Backend) startRefresher(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.refreshLoop(loopCtx)
}

// refreshLoop ticks every poll interval and refreshes the token when
// its time-to-expiry falls below the safety margin. Refresh failures
// are logged and retried on the next tick, never surfaced to uploaders.
func (b *Backend) refreshLoop(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Debug("token refresher stopped")
			return
		case <-ticker.C:
		}

		cur := b.creds.Load()
		if b.now().Add(refreshMargin).Before(cur.expiresAt) {
			continue
		}

		if err := b.refresh(ctx); err != nil {
			b.logger.Warn("token refresh failed, will retry",
				slog.String("error", err.Error()),
			)

			continue
		}

		b.logger.Debug("token refreshed",
			slog.Time("expires_at", b.creds.Load().expiresAt),
		)
	}
}

// stateTokenBytes is the number of random bytes in the OAuth2 state
// parameter.
const stateTokenBytes = 16

// callbackTimeout bounds the callback server shutdown.
const callbackTimeout = 5 * time.Second

// callbackResult carries the authorization code or error from the
// redirect handler.
type callbackResult struct {
	code string
	err  error
}

// NewWithBrowser constructs a Backend through the authorization code +
// PKCE flow: it binds a localhost callback server on a random port,
// hands the authorization URL to openURL, waits for the redirect,
// validates the state, and exchanges the code for the initial token
// pair. openURL is typically a browser launcher; if it fails or is nil
// the URL is printed to stderr for manual copy-paste.
func NewWithBrowser(ctx context.Context, cfg Config, openURL func(string) error) (*Backend, error) {
	b, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	tok, err := b.authCodeToken(ctx, openURL)
	if err != nil {
		return nil, err
	}

	b.storeToken(tok)
	b.startRefresher(ctx)

	return b, nil
}

// authCodeToken drives the interactive flow to a first token.
func (b *Backend) authCodeToken(ctx context.Context, openURL func(string) error) (*oauth2.Token, error) {
	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()

	srv, port, err := startCallbackServer(ctx, mux, resultCh, b.logger)
	if err != nil {
		return nil, err
	}
	defer shutdownCallbackServer(srv, b.logger)

	// The redirect URI must match the app registration's
	// "http://localhost"; the port is ignored by the identity platform.
	oauthCfg := b.oauth
	oauthCfg.RedirectURL = fmt.Sprintf("http://localhost:%d", port)

	verifier := oauth2.GenerateVerifier()

	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("onedrive: generating state token: %w", err)
	}

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		handleCallback(w, r, state, resultCh)
	})

	authURL := oauthCfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)

	launchBrowser(authURL, openURL, b.logger)

	var code string

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}

		code = result.code
	case <-ctx.Done():
		return nil, fmt.Errorf("onedrive: browser auth canceled: %w", ctx.Err())
	}

	b.logger.Info("received authorization code, exchanging for token")

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)

	tok, err := oauthCfg.Exchange(exchangeCtx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRefresh, err)
	}

	return tok, nil
}

// startCallbackServer binds 127.0.0.1:0 and serves mux on it.
func startCallbackServer(
	ctx context.Context,
	mux *http.ServeMux,
	resultCh chan<- callbackResult,
	logger *slog.Logger,
) (*http.Server, int, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("onedrive: binding localhost listener: %w", err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, 0, fmt.Errorf("onedrive: listener address is not TCP")
	}

	port := tcpAddr.Port
	logger.Info("callback server listening", slog.Int("port", port))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: callbackTimeout,
	}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			resultCh <- callbackResult{err: fmt.Errorf("onedrive: callback server error: %w", serveErr)}
		}
	}()

	return srv, port, nil
}

// handleCallback validates the state, extracts the code, and reports
// the result.
func handleCallback(w http.ResponseWriter, r *http.Request, state string, resultCh chan<- callbackResult) {
	if r.URL.Query().Get("state") != state {
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		resultCh <- callbackResult{err: ErrStateMismatch}

		return
	}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		desc := r.URL.Query().Get("error_description")
		http.Error(w, "Authorization failed: "+errParam, http.StatusBadRequest)
		resultCh <- callbackResult{err: fmt.Errorf("onedrive: authorization failed: %s: %s", errParam, desc)}

		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		resultCh <- callbackResult{err: fmt.Errorf("onedrive: callback missing authorization code")}

		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h1>Authentication successful</h1>"+
		"<p>You can close this window and return to the terminal.</p></body></html>")
	resultCh <- callbackResult{code: code}
}

func shutdownCallbackServer(srv *http.Server, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
	}
}

// launchBrowser hands the auth URL to openURL, falling back to printing
// it on stderr.
func launchBrowser(authURL string, openURL func(string) error, logger *slog.Logger) {
	if openURL != nil {
		logger.Info("opening browser for authorization")

		if err := openURL(authURL); err == nil {
			return
		}

		logger.Warn("failed to open browser, printing URL")
	}

	fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n%s\n", authURL)
}

// generateState produces a cryptographically random hex string for the
// OAuth2 state parameter.
func generateState() (string, error) {
	buf := make([]byte, stateTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf), nil
}
