package smtp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/mailerr"
	"github.com/shineum/mail-dispatch/internal/parser"
)

// defaultSource names messages whose submitter did not identify itself.
const defaultSource = "smtp"

var (
	errMalformed = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Malformed message",
	}
	errAuthRequired = &smtp.SMTPError{
		Code:         530,
		EnhancedCode: smtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
	errTempFailure = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary failure, please try again later",
	}
)

// Session is one SMTP connection. go-smtp drives the protocol state
// machine; the session only tracks the current transaction.
type Session struct {
	server *Server
	remote string

	username string
	mailFrom string
	rcptTo   []string
}

var (
	_ smtp.Session     = (*Session)(nil)
	_ smtp.AuthSession = (*Session)(nil)
)

// AuthMechanisms advertises PLAIN only when credentials are configured.
func (s *Session) AuthMechanisms() []string {
	if !s.server.auth.Enabled() {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *Session) Auth(mech string) (sasl.Server, error) {
	if !s.server.auth.Enabled() || mech != sasl.Plain {
		return nil, smtp.ErrAuthUnsupported
	}
	return s.server.auth.plainServer(func(username string) {
		s.username = username
	}), nil
}

func (s *Session) Mail(from string, _ *smtp.MailOptions) error {
	if s.server.auth.Enabled() && s.username == "" {
		return errAuthRequired
	}
	s.mailFrom = from
	return nil
}

func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.rcptTo = append(s.rcptTo, to)
	return nil
}

func (s *Session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		slog.Warn("rejecting malformed message", "remote", s.remote, "error", err)
		return errMalformed
	}
	source := s.applyEnvelope(msg)

	ctx, cancel := context.WithTimeout(context.Background(), s.server.cfg.SubmitTimeout)
	defer cancel()

	receipt, err := s.server.mailer.Send(ctx, msg, source)
	if err != nil {
		slog.Error("intercepted message rejected",
			"remote", s.remote,
			"source", source,
			"error", err,
		)
		return submitError(err)
	}

	slog.Info("intercepted message accepted",
		"source", source,
		"mode", receipt.Mode,
		"queue_id", receipt.QueueID,
		"provider_message_id", receipt.ProviderMessageID,
	)
	return nil
}

func (s *Session) Reset() {
	s.mailFrom = ""
	s.rcptTo = nil
}

func (s *Session) Logout() error {
	return nil
}

// applyEnvelope reconciles the parsed headers with the SMTP envelope and
// returns the message source. Envelope recipients missing from To and Cc
// were blind copies; MAIL FROM stands in for a missing From header.
func (s *Session) applyEnvelope(msg *email.Email) string {
	if msg.From == "" && s.mailFrom != "" {
		msg.From = s.mailFrom
	}

	listed := make(map[string]bool)
	for _, addr := range msg.Recipients() {
		listed[strings.ToLower(email.AddressOnly(addr))] = true
	}
	for _, rcpt := range s.rcptTo {
		key := strings.ToLower(rcpt)
		if listed[key] {
			continue
		}
		listed[key] = true
		msg.Bcc = append(msg.Bcc, rcpt)
	}

	source := strings.TrimSpace(msg.Headers[parser.SourceHeader])
	delete(msg.Headers, parser.SourceHeader)
	if len(msg.Headers) == 0 {
		msg.Headers = nil
	}
	switch {
	case source != "":
		return source
	case s.username != "":
		return s.username
	default:
		return defaultSource
	}
}

// submitError maps a shim failure onto an SMTP reply. Permanent failures
// bounce; everything else asks the client to try again.
func submitError(err error) *smtp.SMTPError {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr
	}
	if mailerr.Is(err, mailerr.KindPermanent) {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message rejected: " + mailerr.Message(err),
		}
	}
	return errTempFailure
}
