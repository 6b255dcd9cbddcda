package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/forumlive/forumlive/internal/auth"
	apperrors "github.com/forumlive/forumlive/internal/errors"
	"github.com/forumlive/forumlive/internal/metrics"
	"github.com/forumlive/forumlive/internal/platform/correlation"
	"github.com/forumlive/forumlive/internal/realtime"
)

const closeWriteTimeout = 5 * time.Second

// handleWebSocket upgrades the transport, authenticates the bearer token,
// registers the connection with the hub, and runs the read pump until the
// peer disappears.
func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()

	if !s.limiter.Acquire() {
		metrics.ConnectionsRejectedTotal.WithLabelValues("global").Inc()
		slog.Warn("Rejecting connection: global limit reached", "max", s.limiter.Max())
		return c.String(http.StatusServiceUnavailable, "server at capacity")
	}
	defer s.limiter.Release()

	if !s.ipLimiter.Acquire(ip) {
		metrics.ConnectionsRejectedTotal.WithLabelValues("per_ip").Inc()
		slog.Warn("Rejecting connection: per-IP limit reached", "ip", ip, "max", s.ipLimiter.MaxPer())
		return c.String(http.StatusTooManyRequests, "too many connections from this address")
	}
	defer s.ipLimiter.Release(ip)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "ip", ip, "error", err)
		return nil
	}

	ctx := correlation.WithID(c.Request().Context(), correlation.NewID())

	// Token verification is the one suspension point in the handshake; the
	// peer may vanish while it runs, which the register/read path below
	// detects on its own.
	identity, err := s.verify(ctx, extractToken(c))
	if err != nil {
		s.rejectHandshake(ctx, conn, ip, err)
		return nil
	}

	rtConn := realtime.NewConn(conn, identity, s.clock)
	rtConn.SetReadLimit(s.config.MaxMessageSize)

	if err := s.hub.Register(rtConn); err != nil {
		slog.ErrorContext(ctx, "Failed to register connection", "user_id", identity.UserID, "error", err)
		regErr := apperrors.InternalError("registration failed").WithCause(err)
		closeWith(conn, regErr.CloseCode(), regErr.Message, s.clock.Now())
		conn.Close()
		return nil
	}

	slog.InfoContext(ctx, "Connection established",
		"connection_id", rtConn.ID().String(),
		"user_id", identity.UserID,
		"username", identity.Username,
		"ip", ip,
	)

	s.readPump(ctx, rtConn)

	s.hub.Unregister(rtConn)
	slog.InfoContext(ctx, "Connection closed", "connection_id", rtConn.ID().String(), "user_id", identity.UserID)
	return nil
}

// readPump consumes inbound frames until the transport dies, dropping
// messages beyond the per-connection rate limit.
func (s *Server) readPump(ctx context.Context, conn *realtime.Conn) {
	limiter := rate.NewLimiter(rate.Limit(s.config.MessageRateLimit), s.config.MessageRateBurst)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.DebugContext(ctx, "Transport error", "user_id", conn.UserID(), "error", err)
			}
			return
		}

		if !limiter.Allow() {
			metrics.RateLimitedMessagesTotal.Inc()
			slog.DebugContext(ctx, "Dropping rate-limited message", "user_id", conn.UserID())
			continue
		}

		s.router.Dispatch(ctx, conn, data)
	}
}

// rejectHandshake terminates an unauthenticated connection attempt with a
// policy-violation close. No registry or presence state exists yet; the
// client must reconnect with a fresh token.
func (s *Server) rejectHandshake(ctx context.Context, conn *websocket.Conn, ip string, err error) {
	reason := "authentication failed"
	metricReason := "verifier_error"
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		reason = "missing token"
		metricReason = "missing_token"
	case errors.Is(err, auth.ErrExpiredToken):
		reason = "token expired"
		metricReason = "expired_token"
	case errors.Is(err, auth.ErrInvalidToken):
		reason = "invalid token"
		metricReason = "invalid_token"
	}

	metrics.AuthFailuresTotal.WithLabelValues(metricReason).Inc()
	slog.WarnContext(ctx, "Rejecting unauthenticated connection", "ip", ip, "reason", reason, "error", err)

	authErr := apperrors.UnauthorizedError(reason).WithCause(err)
	closeWith(conn, authErr.CloseCode(), authErr.Message, s.clock.Now())
	conn.Close()
}

func closeWith(conn *websocket.Conn, code int, reason string, now time.Time) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, now.Add(closeWriteTimeout))
}

// extractToken pulls the bearer token from the token query parameter or the
// Authorization header.
func extractToken(c echo.Context) string {
	if token := c.QueryParam("token"); token != "" {
		return token
	}
	header := c.Request().Header.Get("Authorization")
	if after, found := strings.CutPrefix(header, "Bearer "); found {
		return after
	}
	return ""
}
