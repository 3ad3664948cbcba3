// Package ses implements a Transport that sends emails via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/mailerr"
	"github.com/shineum/mail-dispatch/internal/transport"
)

const (
	name = string(transport.MethodSES)
	// maxRecipients is the SES per-message destination limit.
	maxRecipients = 50
)

// Config holds the configuration for creating a Transport.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Sender must be a verified SES identity.
	Sender           string
	ConfigurationSet string
}

// Transport sends emails via the AWS SES v2 API.
type Transport struct {
	sender           string
	configurationSet string
	client           SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a Transport. Static credentials are used when both keys are
// set; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.Region == "" {
		return nil, mailerr.Configuration("ses region is required", nil)
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, mailerr.Configuration("failed to load AWS config", err)
	}

	return NewWithClient(cfg, sesv2.NewFromConfig(awsCfg))
}

// NewWithClient creates a Transport with a custom client, used for testing.
func NewWithClient(cfg Config, client SendEmailAPI) (*Transport, error) {
	if cfg.Sender == "" {
		return nil, mailerr.Configuration("ses sender identity is required", nil)
	}
	return &Transport{
		sender:           cfg.Sender,
		configurationSet: cfg.ConfigurationSet,
		client:           client,
	}, nil
}

// Send delivers msg and returns the SES message id. Messages with
// attachments or custom headers go out as raw MIME; everything else uses
// the simple content form.
func (s *Transport) Send(ctx context.Context, msg *email.Email) (string, error) {
	sender := msg.SenderOr(s.sender)

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination: &types.Destination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.Cc,
			BccAddresses: msg.Bcc,
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	if len(msg.Attachments) > 0 || len(msg.Headers) > 0 {
		raw, err := email.Build(msg, sender)
		if err != nil {
			return "", mailerr.Permanent(name, "failed to build raw message", err)
		}
		input.Content = &types.EmailContent{Raw: &types.RawMessage{Data: raw}}
	} else {
		input.Content = &types.EmailContent{Simple: simpleMessage(msg)}
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", classifyError(err)
	}
	return aws.ToString(out.MessageId), nil
}

// Capabilities reports what SES accepts.
func (s *Transport) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		SupportsAttachments: true,
		MaxRecipients:       maxRecipients,
	}
}

// Method returns transport.MethodSES.
func (s *Transport) Method() transport.Method {
	return transport.MethodSES
}

// DefaultSender returns the verified sender identity.
func (s *Transport) DefaultSender() string {
	return s.sender
}

func simpleMessage(msg *email.Email) *types.Message {
	body := &types.Body{}
	if msg.HtmlBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HtmlBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if msg.TextBody != "" || msg.HtmlBody == "" {
		body.Text = &types.Content{
			Data:    aws.String(msg.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}
	return &types.Message{
		Subject: &types.Content{
			Data:    aws.String(msg.Subject),
			Charset: aws.String("UTF-8"),
		},
		Body: body,
	}
}

// classifyError maps an SES API failure onto the delivery error kinds.
func classifyError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return mailerr.Transient(name, "SES request failed", err)
	}

	msg := fmt.Sprintf("SES %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	switch apiErr.ErrorCode() {
	case "TooManyRequestsException", "LimitExceededException", "Throttling", "ThrottlingException",
		"InternalFailure", "ServiceUnavailable", "RequestTimeout":
		return mailerr.Transient(name, msg, err)
	case "UnrecognizedClientException", "InvalidClientTokenId", "SignatureDoesNotMatch",
		"ExpiredTokenException", "AccessDeniedException":
		return mailerr.Auth(name, msg, err)
	}
	if apiErr.ErrorFault() == smithy.FaultServer {
		return mailerr.Transient(name, msg, err)
	}
	return mailerr.Permanent(name, msg, err)
}
