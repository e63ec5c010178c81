package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/hadron-ai/hadron/pkg/models"
)

// eventStreamHandler handles GET /api/events/stream?cr_id=. It replays the
// CR's stream, then subscribes from the replay cursor so no event in the
// handoff window is lost, and closes on the first terminal event or on
// client disconnect.
func (s *Server) eventStreamHandler(c *echo.Context) error {
	crID := c.QueryParam("cr_id")
	if crID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cr_id query parameter is required")
	}

	res := c.Response().(*echo.Response)
	res.Header().Set("Content-Type", "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	replayed, cursor, err := s.bus.Replay(ctx, crID, "")
	if err != nil {
		s.log.Error("Event replay failed", "cr_id", crID, "error", err)
		return nil
	}
	for _, ev := range replayed {
		if werr := writeSSE(res, ev); werr != nil {
			return nil
		}
		if ev.Type.IsTerminal() {
			return nil
		}
	}

	for ev := range s.bus.Subscribe(ctx, crID, cursor) {
		if werr := writeSSE(res, ev); werr != nil {
			return nil
		}
		if ev.Type.IsTerminal() {
			return nil
		}
	}
	return nil
}

// writeSSE writes one event frame and flushes it to the client.
func writeSSE(res *echo.Response, ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "data: %s\n\n", payload); err != nil {
		return err
	}
	res.Flush()
	return nil
}
