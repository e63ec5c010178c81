package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// healthzHandler handles GET /healthz. Liveness only; no dependencies are
// touched so an unhealthy backend never restarts the controller.
func (s *Server) healthzHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// readyzHandler handles GET /readyz. Ready iff Postgres and Redis both
// answer within the check timeout.
func (s *Server) readyzHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]bool)
	ready := true

	if s.checkPostgres != nil {
		if err := s.checkPostgres(ctx); err != nil {
			s.log.Warn("Postgres readiness check failed", "error", err)
			checks["postgres"] = false
			ready = false
		} else {
			checks["postgres"] = true
		}
	}
	if s.checkRedis != nil {
		if err := s.checkRedis(ctx); err != nil {
			s.log.Warn("Redis readiness check failed", "error", err)
			checks["redis"] = false
			ready = false
		} else {
			checks["redis"] = true
		}
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !ready {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, &ReadyResponse{Status: status, Checks: checks})
}
