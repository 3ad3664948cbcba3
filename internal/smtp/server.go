package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/shineum/mail-dispatch/internal/intercept"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

const (
	defaultMaxMessageBytes = 25 << 20
	defaultMaxRecipients   = 100
	defaultIOTimeout       = 60 * time.Second
	defaultSubmitTimeout   = 60 * time.Second
)

// Config holds the configuration for the ingress listener.
type Config struct {
	// Addr is the address to listen on (e.g., ":2525").
	Addr string
	// Domain is announced in the greeting and EHLO response.
	Domain string

	// Username and Password enable AUTH PLAIN when both are set.
	Username string
	Password string

	// TLSConfig enables STARTTLS. When nil, STARTTLS is not advertised.
	TLSConfig *tls.Config
	// AllowInsecureAuth permits AUTH before STARTTLS.
	AllowInsecureAuth bool

	MaxMessageBytes int64
	MaxRecipients   int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	// SubmitTimeout bounds the hand-off of one message to the shim.
	SubmitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Domain == "" {
		c.Domain = "localhost"
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.MaxRecipients <= 0 {
		c.MaxRecipients = defaultMaxRecipients
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultIOTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultIOTimeout
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = defaultSubmitTimeout
	}
	return c
}

// Server accepts SMTP submissions and hands each message to a Mailer.
type Server struct {
	cfg    Config
	srv    *smtp.Server
	mailer intercept.Mailer
	auth   *Authenticator

	mu       sync.Mutex
	listener net.Listener
}

// New creates a Server that submits accepted mail through mailer.
func New(cfg Config, mailer intercept.Mailer) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:    cfg,
		mailer: mailer,
		auth:   NewAuthenticator(cfg.Username, cfg.Password),
	}

	srv := smtp.NewServer(&backend{server: s})
	srv.Addr = cfg.Addr
	srv.Domain = cfg.Domain
	srv.TLSConfig = cfg.TLSConfig
	srv.AllowInsecureAuth = cfg.AllowInsecureAuth
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = cfg.MaxRecipients
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	srv.ErrorLog = errorLog{}
	s.srv = srv
	return s
}

// ListenAndServe listens on the configured address and serves until ctx
// is cancelled, then waits up to 30 seconds for in-flight sessions.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("smtp listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP ingress listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.cfg.TLSConfig != nil,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, smtp.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down SMTP ingress")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown timeout reached, forcing close", "error", err)
		s.srv.Close()
	}
	<-errCh
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

type backend struct {
	server *Server
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	var remote string
	if conn := c.Conn(); conn != nil {
		remote = conn.RemoteAddr().String()
	}
	return &Session{
		server: b.server,
		remote: remote,
	}, nil
}

// errorLog routes go-smtp's internal errors into slog.
type errorLog struct{}

func (errorLog) Printf(format string, v ...interface{}) {
	slog.Warn("smtp server", "detail", fmt.Sprintf(format, v...))
}

func (errorLog) Println(v ...interface{}) {
	slog.Warn("smtp server", "detail", fmt.Sprint(v...))
}
