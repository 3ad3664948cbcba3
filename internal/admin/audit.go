package admin

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/shineum/mail-dispatch/internal/audit"
)

type auditQueryResponse struct {
	Records []*audit.Record `json:"records"`
	Total   int             `json:"total"`
}

func (s *Server) queryAudit(c echo.Context) error {
	filter, err := auditFilter(c)
	if err != nil {
		return err
	}
	var page audit.Page
	if page.Limit, err = intParam(c, "limit", 0); err != nil {
		return err
	}
	if page.Offset, err = intParam(c, "offset", 0); err != nil {
		return err
	}

	records, total, err := s.deps.Audit.Query(c.Request().Context(), filter, page)
	if err != nil {
		return err
	}
	if records == nil {
		records = []*audit.Record{}
	}
	return c.JSON(http.StatusOK, auditQueryResponse{Records: records, Total: total})
}

func (s *Server) exportAudit(c echo.Context) error {
	filter, err := auditFilter(c)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("audit-%s.csv", time.Now().UTC().Format("20060102-150405"))
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/csv; charset=utf-8")
	res.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	res.WriteHeader(http.StatusOK)

	// Headers are already sent, so a mid-stream failure can only be logged.
	return s.deps.Audit.ExportCSV(c.Request().Context(), res, filter)
}

func (s *Server) deleteAudit(c echo.Context) error {
	var req idsRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid json")
	}
	if len(req.IDs) == 0 {
		return badRequest("ids is required")
	}
	n, err := s.deps.Audit.BulkDelete(c.Request().Context(), req.IDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, deletedResponse{Deleted: n})
}

func (s *Server) clearAudit(c echo.Context) error {
	n, err := s.deps.Audit.Clear(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, deletedResponse{Deleted: n})
}

// auditFilter reads status, method, search and an RFC 3339 since/until
// window from the query string.
func auditFilter(c echo.Context) (audit.Filter, error) {
	f := audit.Filter{
		Status: audit.Status(c.QueryParam("status")),
		Method: c.QueryParam("method"),
		Search: c.QueryParam("search"),
	}
	switch f.Status {
	case "", audit.StatusSent, audit.StatusFailed:
	default:
		return f, badRequest(fmt.Sprintf("unknown status %q", f.Status))
	}

	var err error
	if f.Since, err = timeParam(c, "since"); err != nil {
		return f, err
	}
	if f.Until, err = timeParam(c, "until"); err != nil {
		return f, err
	}
	return f, nil
}

func timeParam(c echo.Context, name string) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, badRequest(fmt.Sprintf("invalid %s: want RFC 3339", name))
	}
	return t, nil
}
