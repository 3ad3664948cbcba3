package admin

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/shineum/mail-dispatch/internal/oauth"
)

type authorizeResponse struct {
	AuthorizationURL string `json:"authorization_url"`
}

type revokeRequest struct {
	Email string `json:"email"`
}

func (s *Server) authorize(c echo.Context) error {
	userEmail := strings.TrimSpace(c.QueryParam("email"))
	if userEmail == "" {
		return badRequest("email is required")
	}
	u, err := s.deps.Consent.Authorize(userEmail)
	if err != nil {
		return err
	}
	if c.QueryParam("redirect") == "true" {
		return c.Redirect(http.StatusFound, u)
	}
	return c.JSON(http.StatusOK, authorizeResponse{AuthorizationURL: u})
}

// callback completes consent. The provider reports a denied consent with
// an error parameter instead of a code.
func (s *Server) callback(c echo.Context) error {
	if denied := c.QueryParam("error"); denied != "" {
		return badRequest("authorization denied: " + denied)
	}
	state, code := c.QueryParam("state"), c.QueryParam("code")
	if state == "" || code == "" {
		return badRequest("state and code are required")
	}

	tok, err := s.deps.Consent.CompleteAuthorization(c.Request().Context(), state, code)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tok)
}

func (s *Server) revoke(c echo.Context) error {
	var req revokeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid json")
	}
	if strings.TrimSpace(req.Email) == "" {
		return badRequest("email is required")
	}
	if err := s.deps.Consent.Revoke(c.Request().Context(), req.Email); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) tokens(c echo.Context) error {
	toks, err := s.deps.Consent.Tokens(c.Request().Context())
	if err != nil {
		return err
	}
	if toks == nil {
		toks = []*oauth.Token{}
	}
	return c.JSON(http.StatusOK, toks)
}
