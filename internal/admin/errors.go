package admin

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/shineum/mail-dispatch/internal/mailerr"
	"github.com/shineum/mail-dispatch/internal/queue"
)

type errorResponse struct {
	Error string `json:"error"`
}

// errorHandler renders every failure as {"error": "..."} with a status
// derived from the error kind.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		slog.Error("admin request failed",
			"method", c.Request().Method,
			"path", c.Path(),
			"error", err,
		)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, errorResponse{Error: msg})
	}
	if err != nil {
		slog.Error("failed to write error response", "error", err)
	}
}

func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok {
			return he.Code, msg
		}
		return he.Code, http.StatusText(he.Code)
	}

	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, queue.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	}

	switch mailerr.KindOf(err) {
	case mailerr.KindConfiguration, mailerr.KindPermanent:
		return http.StatusBadRequest, mailerr.Message(err)
	case mailerr.KindAuth:
		return http.StatusUnauthorized, mailerr.Message(err)
	case mailerr.KindTransient:
		return http.StatusBadGateway, mailerr.Message(err)
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
