package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forumlive/forumlive/internal/auth"
	"github.com/forumlive/forumlive/internal/config"
	"github.com/forumlive/forumlive/internal/realtime"
)

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:                  "development",
		Port:                    "8080",
		AppURL:                  "http://localhost:8080",
		TokenSecret:             "test-secret-at-least-16-chars",
		HeartbeatInterval:       30 * time.Second,
		MaxWebSocketConnections: 100,
		MaxConnectionsPerIP:     100,
		MessageRateLimit:        1000,
		MessageRateBurst:        1000,
		MaxMessageSize:          4096,
	}
}

// stubVerifier accepts tokens of the form "user:<id>" and fails everything
// else with the matching sentinel.
func stubVerifier(_ context.Context, token string) (auth.Identity, error) {
	switch {
	case token == "":
		return auth.Identity{}, auth.ErrMissingToken
	case token == "expired":
		return auth.Identity{}, auth.ErrExpiredToken
	case strings.HasPrefix(token, "user:"):
		id := strings.TrimPrefix(token, "user:")
		return auth.Identity{UserID: id, Username: "name-" + id}, nil
	default:
		return auth.Identity{}, auth.ErrInvalidToken
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	clock := clockwork.NewRealClock()
	hub := realtime.NewHub(clock, cfg.HeartbeatInterval)
	t.Cleanup(hub.Stop)

	srv := NewServer(cfg, hub, stubVerifier, clock)
	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server, token string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, token), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readServerEnvelope(t *testing.T, conn *websocket.Conn) realtime.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env realtime.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func waitForCond(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHandleWebSocket_AuthenticatedConnect(t *testing.T) {
	srv, ts := newTestServer(t, testConfig())

	conn := dialWS(t, ts, "user:alice")

	env := readServerEnvelope(t, conn)
	assert.Equal(t, realtime.TypeConnected, env.Type)

	var payload realtime.ConnectedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "alice", payload.UserID)
	assert.Equal(t, "name-alice", payload.Username)

	assert.True(t, srv.hub.IsOnline("alice"))

	conn.Close()
	waitForCond(t, func() bool { return !srv.hub.IsOnline("alice") }, "alice never went offline")
}

func TestHandleWebSocket_TokenFromAuthorizationHeader(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	header := http.Header{"Authorization": {"Bearer user:bob"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), header)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	env := readServerEnvelope(t, conn)
	assert.Equal(t, realtime.TypeConnected, env.Type)
}

func TestHandleWebSocket_MissingTokenRejected(t *testing.T) {
	srv, ts := newTestServer(t, testConfig())

	// Upgrade succeeds; the rejection arrives as a close frame.
	conn := dialWS(t, ts, "")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "missing token", closeErr.Text)

	// Nothing was registered for the failed handshake.
	assert.Equal(t, 0, srv.hub.ClientCount())
}

func TestHandleWebSocket_InvalidTokenRejected(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	conn := dialWS(t, ts, "garbage")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "invalid token", closeErr.Text)
}

func TestHandleWebSocket_ExpiredTokenRejected(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	conn := dialWS(t, ts, "expired")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "token expired", closeErr.Text)
}

func TestHandleWebSocket_GlobalLimitRejectsWith503(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWebSocketConnections = 1
	_, ts := newTestServer(t, cfg)

	first := dialWS(t, ts, "user:alice")
	readServerEnvelope(t, first)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "user:bob"), nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, websocket.ErrBadHandshake))
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleWebSocket_PerIPLimitRejectsWith429(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnectionsPerIP = 1
	_, ts := newTestServer(t, cfg)

	first := dialWS(t, ts, "user:alice")
	readServerEnvelope(t, first)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "user:bob"), nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, websocket.ErrBadHandshake))
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHandleWebSocket_LimitSlotFreedOnDisconnect(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWebSocketConnections = 1
	srv, ts := newTestServer(t, cfg)

	first := dialWS(t, ts, "user:alice")
	readServerEnvelope(t, first)
	first.Close()

	waitForCond(t, func() bool { return srv.limiter.Current() == 0 }, "slot never released")

	second := dialWS(t, ts, "user:bob")
	env := readServerEnvelope(t, second)
	assert.Equal(t, realtime.TypeConnected, env.Type)
}

func TestHandleWebSocket_JoinRoomRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	conn := dialWS(t, ts, "user:alice")
	readServerEnvelope(t, conn)

	join := `{"type":"join_room","payload":{"room_id":"thread-9"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(join)))

	env := readServerEnvelope(t, conn)
	assert.Equal(t, realtime.TypeRoomJoined, env.Type)

	var payload realtime.RoomJoinedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "thread-9", payload.RoomID)
	assert.Equal(t, 1, payload.MemberCount)
}

func newEchoContext(req *http.Request) echo.Context {
	return echo.New().NewContext(req, httptest.NewRecorder())
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		header string
		want   string
	}{
		{"query param", "?token=abc", "", "abc"},
		{"authorization header", "", "Bearer xyz", "xyz"},
		{"query wins over header", "?token=abc", "Bearer xyz", "abc"},
		{"malformed header scheme", "", "Basic xyz", ""},
		{"no token", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			c := newEchoContext(req)
			assert.Equal(t, tt.want, extractToken(c))
		})
	}
}
