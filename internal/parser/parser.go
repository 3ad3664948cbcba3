// Package parser turns raw RFC 5322 messages received by the intercept
// ingress into outbound email envelopes.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"

	"github.com/shineum/mail-dispatch/internal/email"
)

// SourceHeader lets a submitting application name itself. It is lifted
// out of the header bag by the ingress and never forwarded.
const SourceHeader = "X-Mail-Source"

// envelopeHeaders are mapped onto Email fields or regenerated when the
// message is rebuilt, so they stay out of the header bag.
var envelopeHeaders = map[string]bool{
	"From":                      true,
	"Sender":                    true,
	"To":                        true,
	"Cc":                        true,
	"Bcc":                       true,
	"Reply-To":                  true,
	"Subject":                   true,
	"Date":                      true,
	"Message-Id":                true,
	"Mime-Version":              true,
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
	"Content-Disposition":       true,
	"Received":                  true,
	"Return-Path":               true,
	"Dkim-Signature":            true,
}

// Parse decodes raw into an Email. Text and HTML bodies are taken from the
// first matching inline parts; anything else becomes an attachment.
func Parse(raw []byte) (*email.Email, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	mediaType, params := contentType(mr.Header.Header)
	if strings.HasPrefix(mediaType, "multipart/") && params["boundary"] == "" {
		return nil, errors.New("multipart message missing boundary")
	}

	result := &email.Email{
		Subject:   decodedText(mr.Header.Header, "Subject"),
		MessageID: strings.TrimSpace(mr.Header.Get("Message-Id")),
		To:        addressList(mr.Header, "To"),
		Cc:        addressList(mr.Header, "Cc"),
		Bcc:       addressList(mr.Header, "Bcc"),
	}
	if from := addressList(mr.Header, "From"); len(from) > 0 {
		result.From = formatSender(mr.Header, from[0])
	}
	if replyTo := addressList(mr.Header, "Reply-To"); len(replyTo) > 0 {
		result.ReplyTo = replyTo[0]
	}
	result.Headers = extraHeaders(mr.Header.Header)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read message part: %w", err)
		}
		if err := collectPart(result, part); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func collectPart(result *email.Email, part *gomail.Part) error {
	content, err := io.ReadAll(part.Body)
	if err != nil {
		return fmt.Errorf("failed to read part content: %w", err)
	}

	switch h := part.Header.(type) {
	case *gomail.AttachmentHeader:
		mediaType, params := contentType(h.Header)
		filename, _ := h.Filename()
		result.Attachments = append(result.Attachments, email.Attachment{
			Filename:    filenameOr(filename, params, mediaType),
			ContentType: mediaType,
			Content:     content,
		})
	case *gomail.InlineHeader:
		mediaType, params := contentType(h.Header)
		switch mediaType {
		case "text/plain":
			if result.TextBody == "" {
				result.TextBody = string(content)
			}
		case "text/html":
			if result.HtmlBody == "" {
				result.HtmlBody = string(content)
			}
		default:
			// Inline images and similar parts travel as attachments.
			_, dispParams, _ := h.ContentDisposition()
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    filenameOr(dispParams["filename"], params, mediaType),
				ContentType: mediaType,
				Content:     content,
			})
		}
	default:
		slog.Warn("unrecognized MIME part, skipping")
	}
	return nil
}

// contentType defaults to text/plain when the header is absent or
// unparseable.
func contentType(h message.Header) (string, map[string]string) {
	if h.Get("Content-Type") == "" {
		return "text/plain", map[string]string{}
	}
	mediaType, params, err := h.ContentType()
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", h.Get("Content-Type"),
			"error", err,
		)
		return "text/plain", map[string]string{}
	}
	return mediaType, params
}

// filenameOr names an attachment, falling back to the Content-Type name
// parameter and then to a name derived from the media type.
func filenameOr(filename string, params map[string]string, mediaType string) string {
	if filename != "" {
		return filename
	}
	if name := params["name"]; name != "" {
		return name
	}
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

func decodedText(h message.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		return h.Get(key)
	}
	return v
}

// addressList returns bare mailboxes. Lists that fail RFC 5322 parsing are
// split on commas so a sloppy client still gets its mail delivered.
func addressList(h gomail.Header, key string) []string {
	raw := h.Get(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	addrs, err := h.AddressList(key)
	if err != nil {
		var out []string
		for _, p := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}

	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// formatSender keeps the display name of the From header when it has one.
func formatSender(h gomail.Header, addr string) string {
	addrs, err := h.AddressList("From")
	if err != nil || len(addrs) == 0 || addrs[0].Name == "" {
		return addr
	}
	return (&mail.Address{Name: addrs[0].Name, Address: addrs[0].Address}).String()
}

func extraHeaders(h message.Header) map[string]string {
	out := make(map[string]string)
	fields := h.Fields()
	for fields.Next() {
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		if envelopeHeaders[key] {
			continue
		}
		if _, seen := out[key]; seen {
			continue
		}
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		out[key] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
