package email

import (
	"bytes"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// reservedHeaders are set by Build and cannot be overridden from the
// message's header bag.
var reservedHeaders = map[string]bool{
	"from":                      true,
	"to":                        true,
	"cc":                        true,
	"bcc":                       true,
	"subject":                   true,
	"date":                      true,
	"message-id":                true,
	"mime-version":              true,
	"content-type":              true,
	"content-transfer-encoding": true,
}

// BuildOption adjusts how Build renders a message.
type BuildOption func(*buildOptions)

type buildOptions struct {
	bccHeader bool
}

// WithBccHeader writes the Bcc header. Only use it for providers that take
// recipients from the headers and strip Bcc before delivery.
func WithBccHeader() BuildOption {
	return func(o *buildOptions) { o.bccHeader = true }
}

// Build renders msg as an RFC 5322 message sent by sender. Bcc recipients
// are not written to the headers unless WithBccHeader is given. If msg has
// no MessageID one is generated under the sender's domain.
func Build(msg *Email, sender string, opts ...BuildOption) ([]byte, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	var h gomail.Header
	h.SetDate(time.Now())

	from, err := mail.ParseAddress(sender)
	if err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", sender, err)
	}
	h.SetAddressList("From", []*gomail.Address{from})

	if err := setAddressList(&h, "To", msg.To); err != nil {
		return nil, err
	}
	if err := setAddressList(&h, "Cc", msg.Cc); err != nil {
		return nil, err
	}
	if o.bccHeader {
		if err := setAddressList(&h, "Bcc", msg.Bcc); err != nil {
			return nil, err
		}
	}
	if msg.ReplyTo != "" {
		if err := setAddressList(&h, "Reply-To", []string{msg.ReplyTo}); err != nil {
			return nil, err
		}
	}
	h.SetSubject(msg.Subject)

	messageID := strings.Trim(msg.MessageID, "<>")
	if messageID == "" {
		messageID = NewMessageID(from.Address)
	}
	h.SetMessageID(messageID)

	for key, value := range msg.Headers {
		if reservedHeaders[strings.ToLower(key)] {
			continue
		}
		h.Set(key, value)
	}

	var buf bytes.Buffer
	if len(msg.Attachments) == 0 && (msg.TextBody == "" || msg.HtmlBody == "") {
		if err := writeSinglePart(&buf, h, msg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create inline part: %w", err)
	}
	if msg.TextBody != "" {
		if err := writeInline(tw, "text/plain", msg.TextBody); err != nil {
			return nil, err
		}
	}
	if msg.HtmlBody != "" {
		if err := writeInline(tw, "text/html", msg.HtmlBody); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close inline part: %w", err)
	}

	for _, att := range msg.Attachments {
		var ah gomail.AttachmentHeader
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		ah.SetContentType(contentType, nil)
		ah.SetFilename(att.Filename)
		ah.Set("Content-Transfer-Encoding", "base64")

		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment %q: %w", att.Filename, err)
		}
		if _, err := w.Write(att.Content); err != nil {
			return nil, fmt.Errorf("failed to write attachment %q: %w", att.Filename, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to close attachment %q: %w", att.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

// NewMessageID returns a globally unique Message-ID (without angle brackets)
// under the domain of address.
func NewMessageID(address string) string {
	domain := "localhost"
	if i := strings.LastIndex(address, "@"); i >= 0 && i+1 < len(address) {
		domain = address[i+1:]
	}
	return uuid.NewString() + "@" + domain
}

func writeSinglePart(w io.Writer, h gomail.Header, msg *Email) error {
	contentType, body := "text/plain", msg.TextBody
	if msg.HtmlBody != "" {
		contentType, body = "text/html", msg.HtmlBody
	}
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	bw, err := gomail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := io.WriteString(bw, body); err != nil {
		return fmt.Errorf("failed to write body: %w", err)
	}
	return bw.Close()
}

func writeInline(tw *gomail.InlineWriter, contentType, body string) error {
	var ih gomail.InlineHeader
	ih.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	ih.Set("Content-Transfer-Encoding", "quoted-printable")

	w, err := tw.CreatePart(ih)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return w.Close()
}

func setAddressList(h *gomail.Header, key string, addrs []string) error {
	if len(addrs) == 0 {
		return nil
	}
	list := make([]*gomail.Address, 0, len(addrs))
	for _, raw := range addrs {
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return fmt.Errorf("invalid %s address %q: %w", key, raw, err)
		}
		list = append(list, addr)
	}
	h.SetAddressList(key, list)
	return nil
}
