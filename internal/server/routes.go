package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints (no auth required)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/version", s.handleVersion)

	// Realtime upgrade endpoint
	s.echo.GET("/ws", s.handleWebSocket)

	// Presence queries for the rest of the forum backend
	s.echo.GET("/api/users/:id/online", s.handleUserOnline)
	s.echo.GET("/api/users/:id/rooms", s.handleUserRooms)
	s.echo.GET("/api/rooms/:id/presence", s.handleRoomPresence)

	// Server-side fan-out for bots and backend jobs
	s.echo.POST("/api/rooms/:id/announce", s.handleAnnounceRoom)
	s.echo.POST("/api/users/:id/notify", s.handleNotifyUser)
	s.echo.POST("/api/broadcast", s.handleBroadcastAll)
}
