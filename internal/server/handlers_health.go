package server

import (
	"github.com/labstack/echo/v4"

	"github.com/forumlive/forumlive/internal/platform/version"
)

func (s *Server) handleLiveness(c echo.Context) error {
	uptime := s.clock.Since(s.startTime).Seconds()
	return c.JSON(200, map[string]any{
		"status": "ok",
		"uptime": uptime,
	})
}

// handleReadiness reports ready once the hub command loop is answering
// queries. ClientCount is a full round-trip through the hub goroutine, so a
// wedged or stopped loop surfaces here as a 503.
func (s *Server) handleReadiness(c echo.Context) error {
	count := s.hub.ClientCount()
	if count < 0 {
		return c.JSON(503, map[string]any{
			"status":       "unhealthy",
			"failed_check": "hub",
		})
	}

	return c.JSON(200, map[string]any{
		"status":      "ready",
		"connections": count,
	})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(200, version.Get())
}
