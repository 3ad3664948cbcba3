package oauth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const stateIssuer = "mail-dispatch"

type stateClaims struct {
	jwt.RegisteredClaims
}

// signState issues the short-lived consent state for userEmail.
func (m *Manager) signState(userEmail string) (string, error) {
	now := m.now()
	claims := stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    stateIssuer,
			Subject:   userEmail,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.stateTTL)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := t.SignedString(m.stateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return s, nil
}

// parseState verifies state and returns the user email it was issued for.
func (m *Manager) parseState(state string) (string, error) {
	var claims stateClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(t *jwt.Token) (interface{}, error) {
		return m.stateKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("state has no subject")
	}
	return claims.Subject, nil
}
