// Package email defines the outbound message envelope shared by the queue,
// the transports and the intercept shim.
package email

import (
	"fmt"
	"net/mail"
	"strings"
)

// Email is an outbound message envelope.
type Email struct {
	// From overrides the transport's configured sender when set.
	From        string            `json:"from,omitempty"`
	To          []string          `json:"to"`
	Cc          []string          `json:"cc,omitempty"`
	Bcc         []string          `json:"bcc,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Subject     string            `json:"subject"`
	TextBody    string            `json:"text_body,omitempty"`
	HtmlBody    string            `json:"html_body,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	MessageID   string            `json:"message_id,omitempty"`
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

// Recipients returns every envelope recipient, including Bcc.
func (e *Email) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	out = append(out, e.To...)
	out = append(out, e.Cc...)
	out = append(out, e.Bcc...)
	return out
}

// Body returns the HTML body when present, else the text body.
func (e *Email) Body() string {
	if e.HtmlBody != "" {
		return e.HtmlBody
	}
	return e.TextBody
}

// Validate checks that the envelope has at least one recipient and that
// every address parses per RFC 5322.
func (e *Email) Validate() error {
	recipients := e.Recipients()
	if len(recipients) == 0 {
		return fmt.Errorf("message has no recipients")
	}
	for _, addr := range recipients {
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("malformed recipient address %q: %w", addr, err)
		}
	}
	if e.From != "" {
		if _, err := mail.ParseAddress(e.From); err != nil {
			return fmt.Errorf("malformed sender address %q: %w", e.From, err)
		}
	}
	return nil
}

// SenderOr returns the message's From override or fallback when unset.
func (e *Email) SenderOr(fallback string) string {
	if strings.TrimSpace(e.From) != "" {
		return e.From
	}
	return fallback
}

// AddressOnly strips a display name, returning the bare mailbox.
func AddressOnly(addr string) string {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return strings.TrimSpace(addr)
	}
	return parsed.Address
}
