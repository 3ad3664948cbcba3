package ses

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/mailerr"
	"github.com/shineum/mail-dispatch/internal/transport"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	err       error
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.err != nil {
		return nil, m.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-message-id")}, nil
}

func newTestTransport(t *testing.T, mock *mockSESClient, configurationSet string) *Transport {
	t.Helper()
	tr, err := NewWithClient(Config{Sender: "sender@example.com", ConfigurationSet: configurationSet}, mock)
	if err != nil {
		t.Fatalf("NewWithClient: %v", err)
	}
	return tr
}

func TestMethodAndCapabilities(t *testing.T) {
	t.Parallel()

	tr := newTestTransport(t, &mockSESClient{}, "")
	if got := tr.Method(); got != transport.MethodSES {
		t.Errorf("Method(): got %q, want %q", got, transport.MethodSES)
	}
	caps := tr.Capabilities()
	if caps.SupportsDelegatedAuth || !caps.SupportsAttachments || caps.MaxRecipients != 50 {
		t.Errorf("Capabilities(): got %+v", caps)
	}
}

func TestSend_SimpleTextEmail(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	tr := newTestTransport(t, mock, "transactional")

	msg := &email.Email{
		To:       []string{"to@example.com"},
		ReplyTo:  "support@example.com",
		Subject:  "Test Subject",
		TextBody: "Hello, World!",
	}

	id, err := tr.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "ses-message-id" {
		t.Errorf("id: got %q, want %q", id, "ses-message-id")
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if input.Content.Simple == nil {
		t.Fatal("expected simple email content, got nil")
	}
	if got := *input.FromEmailAddress; got != "sender@example.com" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "sender@example.com")
	}
	if got := *input.Content.Simple.Subject.Data; got != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", got, "Test Subject")
	}
	if got := *input.Content.Simple.Body.Text.Data; got != "Hello, World!" {
		t.Errorf("TextBody: got %q, want %q", got, "Hello, World!")
	}
	if input.Content.Simple.Body.Html != nil {
		t.Error("expected no HTML body")
	}
	if got := aws.ToString(input.ConfigurationSetName); got != "transactional" {
		t.Errorf("ConfigurationSetName: got %q", got)
	}
	if len(input.ReplyToAddresses) != 1 || input.ReplyToAddresses[0] != "support@example.com" {
		t.Errorf("ReplyToAddresses: got %v", input.ReplyToAddresses)
	}
}

func TestSend_FromOverride(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	tr := newTestTransport(t, mock, "")

	msg := &email.Email{From: "billing@example.com", To: []string{"to@example.com"}, Subject: "s", HtmlBody: "<h1>Hello</h1>"}
	if _, err := tr.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := *mock.lastInput.FromEmailAddress; got != "billing@example.com" {
		t.Errorf("FromEmailAddress: got %q, want override", got)
	}
	if got := *mock.lastInput.Content.Simple.Body.Html.Data; got != "<h1>Hello</h1>" {
		t.Errorf("HtmlBody: got %q", got)
	}
	if mock.lastInput.Content.Simple.Body.Text != nil {
		t.Error("expected no text body for HTML-only message")
	}
}

func TestSend_WithRecipients(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	tr := newTestTransport(t, mock, "")

	msg := &email.Email{
		To:       []string{"to1@example.com", "to2@example.com"},
		Cc:       []string{"cc@example.com"},
		Bcc:      []string{"bcc@example.com"},
		Subject:  "Multi-recipient",
		TextBody: "Hello",
	}

	if _, err := tr.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dest := mock.lastInput.Destination
	if len(dest.ToAddresses) != 2 {
		t.Errorf("ToAddresses: got %d, want 2", len(dest.ToAddresses))
	}
	if len(dest.CcAddresses) != 1 {
		t.Errorf("CcAddresses: got %d, want 1", len(dest.CcAddresses))
	}
	if len(dest.BccAddresses) != 1 {
		t.Errorf("BccAddresses: got %d, want 1", len(dest.BccAddresses))
	}
}

func TestSend_RawForAttachmentsAndHeaders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  *email.Email
		want string
	}{
		{
			name: "attachment",
			msg: &email.Email{
				To:       []string{"to@example.com"},
				Subject:  "With Attachment",
				TextBody: "See attachment",
				Attachments: []email.Attachment{
					{Filename: "test.txt", ContentType: "text/plain", Content: []byte("file content")},
				},
			},
			want: "test.txt",
		},
		{
			name: "custom header",
			msg: &email.Email{
				To:       []string{"to@example.com"},
				Bcc:      []string{"hidden@example.com"},
				Subject:  "Tagged",
				TextBody: "Hello",
				Headers:  map[string]string{"X-Campaign": "spring"},
			},
			want: "X-Campaign: spring",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mock := &mockSESClient{}
			tr := newTestTransport(t, mock, "")

			if _, err := tr.Send(context.Background(), tt.msg); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			input := mock.lastInput
			if input.Content.Raw == nil {
				t.Fatal("expected raw email content, got nil")
			}
			if input.Content.Simple != nil {
				t.Error("expected no simple content when using raw message")
			}
			raw := string(input.Content.Raw.Data)
			if !strings.Contains(raw, tt.want) {
				t.Errorf("raw message missing %q", tt.want)
			}
			if strings.Contains(raw, "hidden@example.com") {
				t.Error("Bcc recipient leaked into raw headers")
			}
		})
	}
}

func TestSend_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want mailerr.Kind
	}{
		{name: "message rejected", err: &types.MessageRejected{Message: aws.String("Email address is not verified")}, want: mailerr.KindPermanent},
		{name: "throttled", err: &types.TooManyRequestsException{Message: aws.String("slow down")}, want: mailerr.KindTransient},
		{name: "bad credentials", err: &smithy.GenericAPIError{Code: "UnrecognizedClientException", Message: "invalid token"}, want: mailerr.KindAuth},
		{name: "server fault", err: &smithy.GenericAPIError{Code: "InternalError", Message: "oops", Fault: smithy.FaultServer}, want: mailerr.KindTransient},
		{name: "network", err: errors.New("dial tcp: connection reset"), want: mailerr.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := newTestTransport(t, &mockSESClient{err: tt.err}, "")
			msg := &email.Email{To: []string{"to@example.com"}, Subject: "s", TextBody: "b"}

			_, err := tr.Send(context.Background(), msg)
			if got := mailerr.KindOf(err); got != tt.want {
				t.Errorf("kind: got %v, want %v (err=%v)", got, tt.want, err)
			}
		})
	}
}

func TestSend_NoInternalRetry(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{err: errors.New("transient error")}
	tr := newTestTransport(t, mock, "")

	if _, err := tr.Send(context.Background(), &email.Email{To: []string{"to@example.com"}}); err == nil {
		t.Fatal("expected error")
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewWithClient(Config{}, &mockSESClient{}); !mailerr.Is(err, mailerr.KindConfiguration) {
		t.Errorf("missing sender: got err=%v, want configuration error", err)
	}
	if _, err := New(context.Background(), Config{Sender: "a@example.com"}); !mailerr.Is(err, mailerr.KindConfiguration) {
		t.Errorf("missing region: got err=%v, want configuration error", err)
	}
}

var _ transport.Transport = (*Transport)(nil)
