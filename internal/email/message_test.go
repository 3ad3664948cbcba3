package email

import (
	"bytes"
	"io"
	"strings"
	"testing"

	gomail "github.com/emersion/go-message/mail"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		msg     Email
		wantErr bool
	}{
		{name: "single recipient", msg: Email{To: []string{"alice@example.com"}}},
		{name: "display name", msg: Email{To: []string{"Alice <alice@example.com>"}}},
		{name: "bcc only", msg: Email{Bcc: []string{"audit@example.com"}}},
		{name: "no recipients", msg: Email{Subject: "hi"}, wantErr: true},
		{name: "malformed recipient", msg: Email{To: []string{"not an address"}}, wantErr: true},
		{name: "malformed sender", msg: Email{From: "@@", To: []string{"alice@example.com"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(): got err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestRecipients(t *testing.T) {
	t.Parallel()

	msg := &Email{
		To:  []string{"a@example.com"},
		Cc:  []string{"b@example.com"},
		Bcc: []string{"c@example.com"},
	}
	got := msg.Recipients()
	if len(got) != 3 {
		t.Fatalf("Recipients: got %d, want 3", len(got))
	}
	if got[2] != "c@example.com" {
		t.Errorf("Recipients[2]: got %q, want %q", got[2], "c@example.com")
	}
}

func TestSenderOr(t *testing.T) {
	t.Parallel()

	if got := (&Email{}).SenderOr("noreply@example.com"); got != "noreply@example.com" {
		t.Errorf("SenderOr: got %q, want fallback", got)
	}
	if got := (&Email{From: "me@example.com"}).SenderOr("noreply@example.com"); got != "me@example.com" {
		t.Errorf("SenderOr: got %q, want override", got)
	}
}

func TestBuild_SimpleText(t *testing.T) {
	t.Parallel()

	msg := &Email{
		To:       []string{"alice@example.com"},
		Bcc:      []string{"hidden@example.com"},
		Subject:  "Hello",
		TextBody: "Hello, World!",
		Headers:  map[string]string{"X-Mail-Source": "billing", "Subject": "ignored"},
	}

	raw, err := Build(msg, "Sender <sender@example.com>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("failed to read built message: %v", err)
	}

	subject, _ := r.Header.Subject()
	if subject != "Hello" {
		t.Errorf("Subject: got %q, want %q", subject, "Hello")
	}
	if got := r.Header.Get("X-Mail-Source"); got != "billing" {
		t.Errorf("X-Mail-Source: got %q, want %q", got, "billing")
	}
	if r.Header.Get("Bcc") != "" {
		t.Error("Bcc header must not be written")
	}
	id, _ := r.Header.MessageID()
	if !strings.HasSuffix(id, "@example.com") {
		t.Errorf("Message-Id: got %q, want suffix @example.com", id)
	}

	part, err := r.NextPart()
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	body, _ := io.ReadAll(part.Body)
	if string(body) != "Hello, World!" {
		t.Errorf("body: got %q, want %q", string(body), "Hello, World!")
	}
}

func TestBuild_WithAttachment(t *testing.T) {
	t.Parallel()

	msg := &Email{
		To:       []string{"alice@example.com"},
		Cc:       []string{"carol@example.com"},
		Subject:  "Report",
		TextBody: "See attached",
		HtmlBody: "<p>See attached</p>",
		Attachments: []Attachment{
			{Filename: "report.txt", ContentType: "text/plain", Content: []byte("quarterly numbers")},
		},
		MessageID: "<fixed@example.com>",
	}

	raw, err := Build(msg, "sender@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(raw), "multipart/mixed") {
		t.Error("expected multipart/mixed message")
	}

	r, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("failed to read built message: %v", err)
	}
	id, _ := r.Header.MessageID()
	if id != "fixed@example.com" {
		t.Errorf("Message-Id: got %q, want %q", id, "fixed@example.com")
	}

	var found bool
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		if h, ok := part.Header.(*gomail.AttachmentHeader); ok {
			name, _ := h.Filename()
			content, _ := io.ReadAll(part.Body)
			if name != "report.txt" {
				t.Errorf("attachment filename: got %q, want %q", name, "report.txt")
			}
			if string(content) != "quarterly numbers" {
				t.Errorf("attachment content: got %q", string(content))
			}
			found = true
		}
	}
	if !found {
		t.Error("attachment part not found")
	}
}

func TestBuild_InvalidSender(t *testing.T) {
	t.Parallel()

	_, err := Build(&Email{To: []string{"alice@example.com"}}, "not-an-address")
	if err == nil {
		t.Error("expected error for invalid sender, got nil")
	}
}

func TestBuild_WithBccHeader(t *testing.T) {
	t.Parallel()

	msg := &Email{
		To:       []string{"alice@example.com"},
		Bcc:      []string{"hidden@example.com"},
		TextBody: "hi",
	}
	raw, err := Build(msg, "sender@example.com", WithBccHeader())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("failed to read built message: %v", err)
	}
	bcc, err := r.Header.AddressList("Bcc")
	if err != nil {
		t.Fatalf("Bcc: %v", err)
	}
	if len(bcc) != 1 || bcc[0].Address != "hidden@example.com" {
		t.Errorf("Bcc: got %v", bcc)
	}
}
