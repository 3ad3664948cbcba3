// Package oauth manages per-user delegated OAuth credentials: consent,
// storage, refresh and revocation.
package oauth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// ErrTokenNotFound is returned by a TokenStore when no token exists for
// the user.
var ErrTokenNotFound = errors.New("oauth token not found")

// Token is a user's delegated credential.
type Token struct {
	UserEmail    string    `json:"user_email"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Expired reports whether the access token is past its expiry at now.
// A zero ExpiresAt means the provider did not report one.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// NeedsRefresh reports whether the token expires within threshold of now.
func (t *Token) NeedsRefresh(now time.Time, threshold time.Duration) bool {
	if t.AccessToken == "" {
		return true
	}
	return !t.ExpiresAt.IsZero() && t.ExpiresAt.Sub(now) < threshold
}

// OAuth2 converts the token for use with an oauth2 token source.
func (t *Token) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       t.ExpiresAt,
	}
}

// TokenStore persists tokens keyed by user email. Implementations are
// expected to encrypt secrets at rest.
type TokenStore interface {
	GetToken(ctx context.Context, userEmail string) (*Token, error)
	SaveToken(ctx context.Context, tok *Token) error
	// DeleteToken removes the user's token. Deleting a missing token is
	// not an error.
	DeleteToken(ctx context.Context, userEmail string) error
	ListTokens(ctx context.Context) ([]*Token, error)
}
