// Package smtp implements the SMTP intercept ingress: a local submission
// listener whose accepted messages flow into the interception shim.
package smtp

import (
	"crypto/subtle"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

var errAuthFailed = &smtp.SMTPError{
	Code:         535,
	EnhancedCode: smtp.EnhancedCode{5, 7, 8},
	Message:      "Authentication failed",
}

// Authenticator checks AUTH PLAIN credentials against the configured pair.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator. Authentication is disabled
// unless both username and password are set.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{username: username, password: password}
}

// Enabled reports whether clients must authenticate before MAIL FROM.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// Verify compares the credentials in constant time.
func (a *Authenticator) Verify(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	if !a.Enabled() || !userOK || !passOK {
		return errAuthFailed
	}
	return nil
}

// plainServer returns a SASL PLAIN server that calls onSuccess with the
// authenticated username.
func (a *Authenticator) plainServer(onSuccess func(username string)) sasl.Server {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return errAuthFailed
		}
		if err := a.Verify(username, password); err != nil {
			return err
		}
		onSuccess(username)
		return nil
	})
}
