package admin

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/shineum/mail-dispatch/internal/queue"
)

const maxListLimit = 500

type queueListResponse struct {
	Messages []*queue.Message     `json:"messages"`
	Total    int                  `json:"total"`
	Counts   map[queue.Status]int `json:"counts"`
}

type idsRequest struct {
	IDs []int64 `json:"ids"`
}

type deletedResponse struct {
	Deleted int64 `json:"deleted"`
}

func (s *Server) listQueue(c echo.Context) error {
	filter := queue.Filter{Status: queue.Status(c.QueryParam("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		return badRequest(fmt.Sprintf("unknown status %q", filter.Status))
	}
	var err error
	if filter.Limit, err = intParam(c, "limit", 0); err != nil {
		return err
	}
	if filter.Offset, err = intParam(c, "offset", 0); err != nil {
		return err
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	ctx := c.Request().Context()
	msgs, total, err := s.deps.Queue.List(ctx, filter)
	if err != nil {
		return err
	}
	counts, err := s.deps.Queue.Counts(ctx)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []*queue.Message{}
	}
	return c.JSON(http.StatusOK, queueListResponse{Messages: msgs, Total: total, Counts: counts})
}

func (s *Server) getMessage(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	msg, err := s.deps.Queue.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, msg)
}

func (s *Server) retryMessage(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := s.deps.Queue.Retry(ctx, id); err != nil {
		return err
	}
	msg, err := s.deps.Queue.Get(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, msg)
}

func (s *Server) deleteQueue(c echo.Context) error {
	var req idsRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid json")
	}
	if len(req.IDs) == 0 {
		return badRequest("ids is required")
	}
	n, err := s.deps.Queue.Delete(c.Request().Context(), req.IDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, deletedResponse{Deleted: n})
}

// processQueue runs one cycle outside the schedule.
func (s *Server) processQueue(c echo.Context) error {
	res, err := s.deps.Processor.ProcessQueue(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func idParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid id")
	}
	return id, nil
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, badRequest(fmt.Sprintf("invalid %s", name))
	}
	return v, nil
}
