package oauth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"

	"github.com/shineum/mail-dispatch/internal/mailerr"
	"github.com/shineum/mail-dispatch/internal/metrics"
)

const providerName = "oauth"

const (
	// DefaultRefreshThreshold is how close to expiry a token is refreshed
	// before use.
	DefaultRefreshThreshold = 5 * time.Minute
	defaultStateTTL         = 10 * time.Minute
	defaultRevokeURL        = "https://oauth2.googleapis.com/revoke"
	refreshTimeout          = 30 * time.Second
	refreshLockTTL          = 30 * time.Second
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"https://www.googleapis.com/auth/gmail.send"}

// Config holds the OAuth client settings for the delegated provider.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// Endpoint defaults to Google's.
	Endpoint  oauth2.Endpoint
	RevokeURL string
	// StateSecret signs consent state. A random key is used when empty,
	// which invalidates outstanding consent links on restart.
	StateSecret      []byte
	StateTTL         time.Duration
	RefreshThreshold time.Duration
	HTTPClient       *http.Client
}

// Locker serializes refreshes for one user across processes.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocker adds a cross-process lock around refreshes.
func WithLocker(l Locker) Option {
	return func(m *Manager) { m.locker = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager issues consent URLs, exchanges codes and keeps stored tokens
// fresh. Refreshes for the same user are deduplicated: concurrent callers
// share one upstream refresh call.
type Manager struct {
	oauth      *oauth2.Config
	store      TokenStore
	locker     Locker
	group      singleflight.Group
	httpClient *http.Client
	revokeURL  string
	stateKey   []byte
	stateTTL   time.Duration
	threshold  time.Duration
	now        func() time.Time
}

// NewManager creates a Manager backed by store.
func NewManager(cfg Config, store TokenStore, opts ...Option) (*Manager, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, mailerr.Configuration("oauth client id and secret are required", nil)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}

	key := cfg.StateSecret
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate state key: %w", err)
		}
	}

	m := &Manager{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		store:      store,
		httpClient: cfg.HTTPClient,
		revokeURL:  cfg.RevokeURL,
		stateKey:   key,
		stateTTL:   cfg.StateTTL,
		threshold:  cfg.RefreshThreshold,
		now:        time.Now,
	}
	if m.revokeURL == "" {
		m.revokeURL = defaultRevokeURL
	}
	if m.stateTTL <= 0 {
		m.stateTTL = defaultStateTTL
	}
	if m.threshold <= 0 {
		m.threshold = DefaultRefreshThreshold
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: refreshTimeout}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Authorize returns the consent URL the user must visit.
func (m *Manager) Authorize(userEmail string) (string, error) {
	addr, err := mail.ParseAddress(userEmail)
	if err != nil {
		return "", mailerr.Configuration(fmt.Sprintf("invalid user email %q", userEmail), err)
	}
	state, err := m.signState(addr.Address)
	if err != nil {
		return "", err
	}
	return m.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("login_hint", addr.Address),
	), nil
}

// CompleteAuthorization exchanges the code delivered to the redirect URL
// for tokens and stores them for the user named in state.
func (m *Manager) CompleteAuthorization(ctx context.Context, state, code string) (*Token, error) {
	userEmail, err := m.parseState(state)
	if err != nil {
		return nil, mailerr.Auth(providerName, "invalid or expired authorization state", err)
	}
	if code == "" {
		return nil, mailerr.Auth(providerName, "authorization code is empty", nil)
	}

	otok, err := m.oauth.Exchange(m.clientContext(ctx), code)
	if err != nil {
		if isRejected(err) {
			return nil, mailerr.Auth(providerName, "authorization code rejected", err)
		}
		return nil, mailerr.Transient(providerName, "authorization code exchange failed", err)
	}

	tok := &Token{
		UserEmail:    userEmail,
		AccessToken:  otok.AccessToken,
		RefreshToken: otok.RefreshToken,
		ExpiresAt:    otok.Expiry,
		Scopes:       grantedScopes(otok, m.oauth.Scopes),
		UpdatedAt:    m.now(),
	}

	// Re-consent without prompt may omit the refresh token.
	if tok.RefreshToken == "" {
		if prev, err := m.store.GetToken(ctx, userEmail); err == nil {
			tok.RefreshToken = prev.RefreshToken
		}
	}

	if err := m.store.SaveToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}
	slog.Info("oauth authorization completed", "user", userEmail, "scopes", tok.Scopes)
	return tok, nil
}

// GetValidToken returns a token usable right now, refreshing it first if
// it expires within the refresh threshold. A failed refresh that the
// provider rejected deletes the stored token and returns an auth error;
// the user has to consent again.
func (m *Manager) GetValidToken(ctx context.Context, userEmail string) (*Token, error) {
	tok, err := m.store.GetToken(ctx, userEmail)
	if errors.Is(err, ErrTokenNotFound) {
		return nil, mailerr.Auth(providerName, fmt.Sprintf("no delegated token for %s; authorization required", userEmail), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if !tok.NeedsRefresh(m.now(), m.threshold) {
		return tok, nil
	}
	return m.refresh(ctx, userEmail, false)
}

// Refresh forces a refresh regardless of the stored expiry. It is used
// after the provider rejected an access token that looked valid.
func (m *Manager) Refresh(ctx context.Context, userEmail string) (*Token, error) {
	return m.refresh(ctx, userEmail, true)
}

// Revoke deletes the user's token and invalidates it upstream. Revoking a
// user without a token is not an error.
func (m *Manager) Revoke(ctx context.Context, userEmail string) error {
	tok, err := m.store.GetToken(ctx, userEmail)
	if errors.Is(err, ErrTokenNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load token: %w", err)
	}

	secret := tok.RefreshToken
	if secret == "" {
		secret = tok.AccessToken
	}
	if secret != "" {
		if err := m.revokeUpstream(ctx, secret); err != nil {
			slog.Warn("upstream token revocation failed", "user", userEmail, "error", err)
		}
	}

	if err := m.store.DeleteToken(ctx, userEmail); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	slog.Info("oauth token revoked", "user", userEmail)
	return nil
}

// Tokens lists every stored token.
func (m *Manager) Tokens(ctx context.Context) ([]*Token, error) {
	return m.store.ListTokens(ctx)
}

func (m *Manager) refresh(ctx context.Context, userEmail string, force bool) (*Token, error) {
	// The shared refresh must outlive any single caller's cancellation.
	ctx = context.WithoutCancel(ctx)

	v, err, shared := m.group.Do(userEmail, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
		defer cancel()
		return m.doRefresh(ctx, userEmail, force)
	})
	if shared {
		slog.Debug("joined in-flight token refresh", "user", userEmail)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}

func (m *Manager) doRefresh(ctx context.Context, userEmail string, force bool) (*Token, error) {
	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, "mail-dispatch:oauth-refresh:"+userEmail, refreshLockTTL)
		if err != nil {
			return nil, mailerr.Transient(providerName, "failed to acquire refresh lock", err)
		}
		defer unlock()
	}

	// Re-read under the lock; another caller may have refreshed already.
	tok, err := m.store.GetToken(ctx, userEmail)
	if errors.Is(err, ErrTokenNotFound) {
		return nil, mailerr.Auth(providerName, fmt.Sprintf("no delegated token for %s; authorization required", userEmail), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if !force && !tok.NeedsRefresh(m.now(), m.threshold) {
		return tok, nil
	}
	if tok.RefreshToken == "" {
		return nil, mailerr.Auth(providerName, fmt.Sprintf("token for %s has no refresh token; authorization required", userEmail), nil)
	}

	src := m.oauth.TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: tok.RefreshToken})
	otok, err := src.Token()
	if err != nil {
		if isRejected(err) {
			metrics.IncTokenRefresh("rejected")
			slog.Warn("refresh token rejected, deleting stored token", "user", userEmail, "error", err)
			if delErr := m.store.DeleteToken(ctx, userEmail); delErr != nil {
				slog.Error("failed to delete rejected token", "user", userEmail, "error", delErr)
			}
			return nil, mailerr.Auth(providerName, fmt.Sprintf("refresh rejected for %s; authorization required", userEmail), err)
		}
		metrics.IncTokenRefresh("error")
		return nil, mailerr.Transient(providerName, "token refresh failed", err)
	}
	metrics.IncTokenRefresh("success")

	refreshed := &Token{
		UserEmail:    userEmail,
		AccessToken:  otok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    otok.Expiry,
		Scopes:       grantedScopes(otok, tok.Scopes),
		UpdatedAt:    m.now(),
	}
	if otok.RefreshToken != "" {
		refreshed.RefreshToken = otok.RefreshToken
	}
	if err := m.store.SaveToken(ctx, refreshed); err != nil {
		return nil, fmt.Errorf("failed to save refreshed token: %w", err)
	}

	slog.Debug("oauth token refreshed", "user", userEmail, "expires_at", refreshed.ExpiresAt)
	return refreshed, nil
}

func (m *Manager) revokeUpstream(ctx context.Context, secret string) error {
	form := url.Values{"token": {secret}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()

	// 400 means the token was already invalid upstream.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return fmt.Errorf("revoke endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// isRejected reports whether the token endpoint refused the grant, as
// opposed to being unreachable.
func isRejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	switch re.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	}
	if re.Response != nil {
		code := re.Response.StatusCode
		return code == http.StatusBadRequest || code == http.StatusUnauthorized
	}
	return false
}

func grantedScopes(tok *oauth2.Token, fallback []string) []string {
	if s, ok := tok.Extra("scope").(string); ok && s != "" {
		return strings.Fields(s)
	}
	return fallback
}
