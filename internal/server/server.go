// Package server exposes the realtime hub over HTTP: the /ws upgrade
// endpoint, presence query APIs, health probes, and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/forumlive/forumlive/internal/auth"
	"github.com/forumlive/forumlive/internal/config"
	apperrors "github.com/forumlive/forumlive/internal/errors"
	"github.com/forumlive/forumlive/internal/realtime"
)

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	hub       *realtime.Hub
	router    *realtime.Router
	verify    auth.Verifier
	clock     clockwork.Clock
	upgrader  websocket.Upgrader
	limiter   *GlobalConnectionLimiter
	ipLimiter *IPConnectionLimiter
	startTime time.Time
}

func NewServer(cfg *config.Config, hub *realtime.Hub, verify auth.Verifier, clock clockwork.Clock) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(apperrors.Middleware())

	srv := &Server{
		echo:   e,
		config: cfg,
		hub:    hub,
		router: realtime.NewRouter(hub),
		verify: verify,
		clock:  clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(cfg.AppURL, cfg.AppEnv == "development"),
		},
		limiter:   NewGlobalConnectionLimiter(int64(cfg.MaxWebSocketConnections)),
		ipLimiter: NewIPConnectionLimiter(cfg.MaxConnectionsPerIP),
		startTime: clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
