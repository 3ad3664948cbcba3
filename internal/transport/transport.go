// Package transport defines the contract every outbound email provider
// implements and the lookup table the dispatcher resolves them through.
package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/mailerr"
)

// Method names the active delivery provider.
type Method string

const (
	MethodGmailAPI  Method = "gmail_api"
	MethodSMTPRelay Method = "smtp_relay"
	MethodSES       Method = "ses"
)

// ParseMethod converts a configuration value into a Method.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodGmailAPI, MethodSMTPRelay, MethodSES:
		return m, nil
	default:
		return "", mailerr.Configuration(fmt.Sprintf("unknown delivery method %q", s), nil)
	}
}

// Capabilities describes what a transport can deliver.
type Capabilities struct {
	SupportsDelegatedAuth bool `json:"supports_delegated_auth"`
	SupportsAttachments   bool `json:"supports_attachments"`
	// MaxRecipients is the per-message recipient limit; zero means unlimited.
	MaxRecipients int `json:"max_recipients"`
}

// Transport is the interface that email delivery backends must implement.
// Send returns the provider assigned message id on success. Failures are
// classified with the mailerr package.
type Transport interface {
	Send(ctx context.Context, msg *email.Email) (string, error)
	Capabilities() Capabilities
	Method() Method
	// DefaultSender is the From address used when a message has none.
	DefaultSender() string
}

// CredentialRefresher is implemented by transports whose credentials can be
// renewed after an auth failure.
type CredentialRefresher interface {
	RefreshCredentials(ctx context.Context) error
}

// CheckCapabilities rejects a message the transport cannot carry.
func CheckCapabilities(t Transport, msg *email.Email) error {
	caps := t.Capabilities()
	if caps.MaxRecipients > 0 && len(msg.Recipients()) > caps.MaxRecipients {
		return mailerr.Permanent(string(t.Method()),
			fmt.Sprintf("%d recipients exceeds limit of %d", len(msg.Recipients()), caps.MaxRecipients), nil)
	}
	if len(msg.Attachments) > 0 && !caps.SupportsAttachments {
		return mailerr.Permanent(string(t.Method()), "attachments are not supported", nil)
	}
	return nil
}

// Registry maps each configured Method to its Transport.
type Registry struct {
	transports map[Method]Transport
}

// NewRegistry builds a registry from the given transports, keyed by their
// Method. A later transport with the same Method replaces an earlier one.
func NewRegistry(transports ...Transport) *Registry {
	r := &Registry{transports: make(map[Method]Transport, len(transports))}
	for _, t := range transports {
		r.transports[t.Method()] = t
	}
	return r
}

// Register adds or replaces the transport for its Method.
func (r *Registry) Register(t Transport) {
	r.transports[t.Method()] = t
}

// Resolve returns the transport configured for m.
func (r *Registry) Resolve(m Method) (Transport, error) {
	t, ok := r.transports[m]
	if !ok {
		return nil, mailerr.Configuration(fmt.Sprintf("no transport configured for method %q", m), nil)
	}
	return t, nil
}

// Methods lists the registered methods in sorted order.
func (r *Registry) Methods() []Method {
	out := make([]Method, 0, len(r.transports))
	for m := range r.transports {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
