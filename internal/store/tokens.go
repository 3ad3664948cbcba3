package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shineum/mail-dispatch/internal/oauth"
)

type tokenRow struct {
	UserEmail    string `db:"user_email"`
	AccessToken  string `db:"access_token"`
	RefreshToken string `db:"refresh_token"`
	ExpiresAt    int64  `db:"expires_at"`
	Scopes       string `db:"scopes"`
	UpdatedAt    int64  `db:"updated_at"`
}

var errNoCipher = errors.New("token store requires an encryption key")

func (s *Store) decodeToken(r *tokenRow) (*oauth.Token, error) {
	access, err := s.cipher.Decrypt(r.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypting access token for %s: %w", r.UserEmail, err)
	}
	refresh, err := s.cipher.Decrypt(r.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypting refresh token for %s: %w", r.UserEmail, err)
	}
	tok := &oauth.Token{
		UserEmail:    r.UserEmail,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    fromMillis(r.ExpiresAt),
		UpdatedAt:    fromMillis(r.UpdatedAt),
	}
	if r.Scopes != "" {
		tok.Scopes = strings.Fields(r.Scopes)
	}
	return tok, nil
}

// GetToken returns the decrypted token for userEmail.
func (s *Store) GetToken(ctx context.Context, userEmail string) (*oauth.Token, error) {
	if s.cipher == nil {
		return nil, errNoCipher
	}
	var row tokenRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM delegated_tokens WHERE user_email = ?`), userEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting token for %s: %w", userEmail, err)
	}
	return s.decodeToken(&row)
}

// SaveToken encrypts and upserts tok.
func (s *Store) SaveToken(ctx context.Context, tok *oauth.Token) error {
	if s.cipher == nil {
		return errNoCipher
	}
	access, err := s.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := s.cipher.Encrypt(tok.RefreshToken)
	if err != nil {
		return err
	}

	updated := tok.UpdatedAt
	if updated.IsZero() {
		updated = s.clock()
	}
	query := s.db.Rebind(`
		INSERT INTO delegated_tokens (user_email, access_token, refresh_token, expires_at, scopes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_email) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scopes = excluded.scopes,
			updated_at = excluded.updated_at`)

	_, err = s.db.ExecContext(ctx, query,
		tok.UserEmail, access, refresh, millis(tok.ExpiresAt), strings.Join(tok.Scopes, " "), millis(updated))
	if err != nil {
		return fmt.Errorf("saving token for %s: %w", tok.UserEmail, err)
	}
	return nil
}

// DeleteToken removes the user's token; a missing token is not an error.
func (s *Store) DeleteToken(ctx context.Context, userEmail string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM delegated_tokens WHERE user_email = ?`), userEmail); err != nil {
		return fmt.Errorf("deleting token for %s: %w", userEmail, err)
	}
	return nil
}

// ListTokens returns every stored token, decrypted.
func (s *Store) ListTokens(ctx context.Context) ([]*oauth.Token, error) {
	if s.cipher == nil {
		return nil, errNoCipher
	}
	var rows []tokenRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM delegated_tokens ORDER BY user_email`); err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	out := make([]*oauth.Token, 0, len(rows))
	for i := range rows {
		tok, err := s.decodeToken(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, nil
}

var _ oauth.TokenStore = (*Store)(nil)
