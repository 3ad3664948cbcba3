// Package gmail implements a Transport that sends through the Gmail API on
// behalf of a user who granted delegated OAuth consent.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/mailerr"
	"github.com/shineum/mail-dispatch/internal/oauth"
	"github.com/shineum/mail-dispatch/internal/transport"
)

const (
	name = string(transport.MethodGmailAPI)
	// maxRecipients is Gmail's per-message recipient limit.
	maxRecipients = 500
)

// TokenSource supplies the sender's delegated token.
type TokenSource interface {
	GetValidToken(ctx context.Context, userEmail string) (*oauth.Token, error)
	Refresh(ctx context.Context, userEmail string) (*oauth.Token, error)
}

// Config holds the configuration for creating a Transport.
type Config struct {
	// Sender is the Google account whose token is used.
	Sender string
	// Alias is an optional send-as address configured on the account.
	Alias string
	// Endpoint overrides the Gmail API base URL.
	Endpoint   string
	HTTPClient *http.Client
}

// Transport sends mail with users.messages.send.
type Transport struct {
	sender     string
	from       string
	endpoint   string
	httpClient *http.Client
	tokens     TokenSource
	now        func() time.Time
}

// New creates a Gmail API transport.
func New(cfg Config, tokens TokenSource) (*Transport, error) {
	if cfg.Sender == "" {
		return nil, mailerr.Configuration("gmail sender is required", nil)
	}
	if tokens == nil {
		return nil, mailerr.Configuration("gmail transport requires a token source", nil)
	}
	from := cfg.Sender
	if cfg.Alias != "" {
		from = cfg.Alias
	}
	return &Transport{
		sender:     email.AddressOnly(cfg.Sender),
		from:       from,
		endpoint:   cfg.Endpoint,
		httpClient: cfg.HTTPClient,
		tokens:     tokens,
		now:        time.Now,
	}, nil
}

// Send delivers msg and returns the Gmail message id.
func (t *Transport) Send(ctx context.Context, msg *email.Email) (string, error) {
	tok, err := t.tokens.GetValidToken(ctx, t.sender)
	if err != nil {
		return "", err
	}
	if tok.Expired(t.now()) {
		return "", mailerr.Auth(name, "delegated token is expired", nil)
	}

	raw, err := email.Build(msg, msg.SenderOr(t.from), email.WithBccHeader())
	if err != nil {
		return "", mailerr.Permanent(name, "failed to build message", err)
	}

	svc, err := t.service(ctx, tok)
	if err != nil {
		return "", mailerr.Configuration("failed to create gmail client", err)
	}

	sent, err := svc.Users.Messages.Send("me", &gmailapi.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return "", classifyError(err)
	}
	return sent.Id, nil
}

// RefreshCredentials forces a refresh of the sender's token after the API
// rejected it.
func (t *Transport) RefreshCredentials(ctx context.Context) error {
	_, err := t.tokens.Refresh(ctx, t.sender)
	return err
}

// Capabilities reports what the Gmail API accepts.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		SupportsDelegatedAuth: true,
		SupportsAttachments:   true,
		MaxRecipients:         maxRecipients,
	}
}

// Method returns transport.MethodGmailAPI.
func (t *Transport) Method() transport.Method {
	return transport.MethodGmailAPI
}

// DefaultSender returns the From used when a message has none: the alias
// when configured, otherwise the account itself.
func (t *Transport) DefaultSender() string {
	return t.from
}

func (t *Transport) service(ctx context.Context, tok *oauth.Token) (*gmailapi.Service, error) {
	if t.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, t.httpClient)
	}
	opts := []option.ClientOption{
		option.WithHTTPClient(oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok.OAuth2()))),
	}
	if t.endpoint != "" {
		opts = append(opts, option.WithEndpoint(t.endpoint))
	}
	return gmailapi.NewService(ctx, opts...)
}

// classifyError maps a Gmail API failure onto the delivery error kinds.
func classifyError(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return mailerr.Transient(name, "HTTP request failed", err)
	}

	msg := fmt.Sprintf("Gmail API error (HTTP %d): %s", apiErr.Code, apiErr.Message)
	switch {
	case apiErr.Code == http.StatusUnauthorized:
		return mailerr.Auth(name, msg, err)
	case apiErr.Code == http.StatusForbidden && isRateLimit(apiErr):
		return mailerr.Transient(name, msg, err)
	case apiErr.Code == http.StatusTooManyRequests:
		return mailerr.Transient(name, msg, err)
	case apiErr.Code >= 500:
		return mailerr.Transient(name, msg, err)
	default:
		return mailerr.Permanent(name, msg, err)
	}
}

func isRateLimit(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if strings.Contains(item.Reason, "RateLimitExceeded") || item.Reason == "rateLimitExceeded" {
			return true
		}
	}
	return strings.Contains(apiErr.Message, "Rate Limit")
}
