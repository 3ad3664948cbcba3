// Package admin exposes the operator HTTP surface: queue and audit
// inspection, manual processing, OAuth consent and metrics.
package admin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/shineum/mail-dispatch/internal/audit"
	"github.com/shineum/mail-dispatch/internal/dispatch"
	"github.com/shineum/mail-dispatch/internal/metrics"
	"github.com/shineum/mail-dispatch/internal/oauth"
	"github.com/shineum/mail-dispatch/internal/queue"
)

const shutdownTimeout = 10 * time.Second

// Processor runs one dispatch cycle on demand.
type Processor interface {
	ProcessQueue(ctx context.Context) (dispatch.Result, error)
}

// Queue is the subset of the queue store the admin surface reads and edits.
type Queue interface {
	Get(ctx context.Context, id int64) (*queue.Message, error)
	List(ctx context.Context, filter queue.Filter) ([]*queue.Message, int, error)
	Counts(ctx context.Context) (map[queue.Status]int, error)
	Retry(ctx context.Context, id int64) error
	Delete(ctx context.Context, ids []int64) (int64, error)
}

// AuditLog is the subset of audit.Log the admin surface needs.
type AuditLog interface {
	Query(ctx context.Context, filter audit.Filter, page audit.Page) ([]*audit.Record, int, error)
	ExportCSV(ctx context.Context, w io.Writer, filter audit.Filter) error
	BulkDelete(ctx context.Context, ids []int64) (int64, error)
	Clear(ctx context.Context) (int64, error)
}

// Consent drives the delegated OAuth flow.
type Consent interface {
	Authorize(userEmail string) (string, error)
	CompleteAuthorization(ctx context.Context, state, code string) (*oauth.Token, error)
	Revoke(ctx context.Context, userEmail string) error
	Tokens(ctx context.Context) ([]*oauth.Token, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the admin listener settings.
type Config struct {
	Addr string
	// Token, when set, is required as a bearer token on /api routes.
	Token string
}

// Deps are the components the handlers operate on. Consent is optional;
// without it the OAuth routes are not mounted.
type Deps struct {
	Processor Processor
	Queue     Queue
	Audit     AuditLog
	Consent   Consent
	Health    Pinger
}

// Server is the admin HTTP server.
type Server struct {
	cfg  Config
	deps Deps
	e    *echo.Echo
}

// New builds the router.
func New(cfg Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(metrics.HTTPMiddleware())

	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("/api")
	if cfg.Token != "" {
		api.Use(middleware.KeyAuth(func(key string, _ echo.Context) (bool, error) {
			return constantTimeEqual(key, cfg.Token), nil
		}))
	}

	api.GET("/queue", s.listQueue)
	api.DELETE("/queue", s.deleteQueue)
	api.POST("/queue/process", s.processQueue)
	api.GET("/queue/:id", s.getMessage)
	api.POST("/queue/:id/retry", s.retryMessage)

	api.GET("/audit", s.queryAudit)
	api.DELETE("/audit", s.deleteAudit)
	api.GET("/audit/export", s.exportAudit)
	api.POST("/audit/clear", s.clearAudit)

	if deps.Consent != nil {
		api.GET("/oauth/authorize", s.authorize)
		api.POST("/oauth/revoke", s.revoke)
		api.GET("/oauth/tokens", s.tokens)
		// The provider redirects the user's browser here, so it carries
		// no admin token; the signed state authenticates it.
		e.GET("/oauth/callback", s.callback)
	}

	s.e = e
	return s
}

// Handler returns the router for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.e
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin server listening", "addr", s.cfg.Addr, "auth_enabled", s.cfg.Token != "")
		errCh <- s.e.Start(s.cfg.Addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin server shutdown error", "error", err)
	}
	<-errCh
	slog.Info("admin server stopped")
	return nil
}

func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 500*time.Millisecond)
	defer cancel()

	dbStatus := "ok"
	code := http.StatusOK
	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(ctx); err != nil {
			dbStatus = "down"
			code = http.StatusServiceUnavailable
		}
	}
	return c.JSON(code, map[string]any{
		"status": http.StatusText(code),
		"time":   time.Now().UTC().Format(time.RFC3339),
		"db":     dbStatus,
	})
}
