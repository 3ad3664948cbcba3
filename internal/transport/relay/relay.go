// Package relay implements a Transport that submits mail to a fixed SMTP
// relay with static service credentials.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/mailerr"
	"github.com/shineum/mail-dispatch/internal/transport"
)

const name = string(transport.MethodSMTPRelay)

// Security selects how the connection to the relay is protected.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

const defaultTimeout = 30 * time.Second

// Config holds the configuration for creating a Transport.
type Config struct {
	Host     string
	Port     int
	Security Security
	Username string
	Password string
	// From is the default sender when a message has no override.
	From string
	// HeloName defaults to the local hostname.
	HeloName string
	// TLSConfig overrides the client TLS settings.
	TLSConfig *tls.Config
	Timeout   time.Duration
	DKIM      *DKIMSigner
}

// Transport submits each message over its own SMTP session.
type Transport struct {
	addr     string
	security Security
	username string
	password string
	from     string
	helo     string
	tls      *tls.Config
	timeout  time.Duration
	dkim     *DKIMSigner
}

// New creates a relay transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Host == "" {
		return nil, mailerr.Configuration("relay host is required", nil)
	}
	if cfg.From == "" {
		return nil, mailerr.Configuration("relay sender address is required", nil)
	}

	security := cfg.Security
	if security == "" {
		security = SecurityStartTLS
	}
	port := cfg.Port
	if port == 0 {
		switch security {
		case SecurityTLS:
			port = 465
		default:
			port = 587
		}
	}
	switch security {
	case SecurityTLS, SecurityStartTLS, SecurityNone:
	default:
		return nil, mailerr.Configuration(fmt.Sprintf("unknown relay security %q", security), nil)
	}

	tlsCfg := cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	}
	helo := cfg.HeloName
	if helo == "" {
		helo, _ = os.Hostname()
		if helo == "" {
			helo = "localhost"
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Transport{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		security: security,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		helo:     helo,
		tls:      tlsCfg,
		timeout:  timeout,
		dkim:     cfg.DKIM,
	}, nil
}

// Send submits msg and returns its Message-ID, which is the only id a
// relay hands back.
func (t *Transport) Send(ctx context.Context, msg *email.Email) (string, error) {
	sender := msg.SenderOr(t.from)
	envelopeFrom := email.AddressOnly(sender)

	out := *msg
	if out.MessageID == "" {
		out.MessageID = email.NewMessageID(envelopeFrom)
	}
	messageID := strings.Trim(out.MessageID, "<>")

	raw, err := email.Build(&out, sender)
	if err != nil {
		return "", mailerr.Permanent(name, "failed to build message", err)
	}
	if t.dkim != nil {
		if raw, err = t.dkim.Sign(raw, envelopeFrom); err != nil {
			return "", mailerr.Configuration("failed to sign message", err)
		}
	}

	c, err := t.dial(ctx)
	if err != nil {
		return "", err
	}
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if err := t.submit(c, envelopeFrom, msg.Recipients(), raw); err != nil {
		if ctx.Err() != nil {
			return "", mailerr.Transient(name, "send cancelled", ctx.Err())
		}
		return "", classifyError(err)
	}
	return messageID, nil
}

func (t *Transport) dial(ctx context.Context) (*smtp.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, mailerr.Transient(name, "failed to connect to relay", err)
	}

	switch t.security {
	case SecurityTLS:
		tlsConn := tls.Client(conn, t.tls)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, mailerr.Transient(name, "TLS handshake failed", err)
		}
		conn = tlsConn
	case SecurityStartTLS:
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		}
		c, err := smtp.NewClientStartTLS(conn, t.tls)
		if err != nil {
			conn.Close()
			return nil, startTLSError(err)
		}
		conn.SetDeadline(time.Time{})
		t.configure(c)
		return c, nil
	}

	c := smtp.NewClient(conn)
	t.configure(c)
	return c, nil
}

func (t *Transport) configure(c *smtp.Client) {
	c.CommandTimeout = t.timeout
	c.SubmissionTimeout = t.timeout
}

// startTLSError treats a 5xx reply to STARTTLS as a relay that cannot do
// TLS; anything else is a network or handshake failure.
func startTLSError(err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
		return mailerr.Configuration("relay does not support STARTTLS", err)
	}
	return mailerr.Transient(name, "STARTTLS negotiation failed", err)
}

func (t *Transport) submit(c *smtp.Client, from string, rcpts []string, raw []byte) error {
	// A STARTTLS client has already greeted with its default name, and may
	// refuse a second one.
	if err := c.Hello(t.helo); err != nil && t.security != SecurityStartTLS {
		return err
	}

	if t.username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return mailerr.Configuration("relay does not support AUTH", nil)
		}
		if err := c.Auth(sasl.NewPlainClient("", t.username, t.password)); err != nil {
			return err
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return err
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(email.AddressOnly(rcpt), nil); err != nil {
			return err
		}
	}

	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// Capabilities reports what the relay accepts.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		SupportsAttachments: true,
	}
}

// Method returns transport.MethodSMTPRelay.
func (t *Transport) Method() transport.Method {
	return transport.MethodSMTPRelay
}

// DefaultSender returns the configured relay sender.
func (t *Transport) DefaultSender() string {
	return t.from
}

// classifyError maps SMTP replies onto the delivery error kinds: 4xx is
// transient, 5xx permanent, and authentication replies are auth errors.
func classifyError(err error) error {
	var classified *mailerr.Error
	if errors.As(err, &classified) {
		return err
	}

	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return mailerr.Transient(name, "SMTP session failed", err)
	}

	msg := fmt.Sprintf("SMTP %d: %s", smtpErr.Code, smtpErr.Message)
	switch {
	case smtpErr.Code == 530 || smtpErr.Code == 534 || smtpErr.Code == 535:
		return mailerr.Auth(name, msg, err)
	case smtpErr.Code >= 500:
		return mailerr.Permanent(name, msg, err)
	default:
		return mailerr.Transient(name, msg, err)
	}
}
