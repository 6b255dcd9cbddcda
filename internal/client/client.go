// Package client implements the connection-owning side of the realtime
// protocol: a manager that holds at most one live connection, reconnects
// with capped exponential backoff after abnormal closes, and replays room
// joins once the replacement connection is greeted.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/forumlive/forumlive/internal/platform/retry"
	"github.com/forumlive/forumlive/internal/realtime"
)

const (
	// DefaultPingInterval paces the application-level keep-alive, which is
	// independent of the server's own heartbeat probes.
	DefaultPingInterval = 25 * time.Second

	defaultMaxReconnectAttempts = 5
	defaultReconnectBackoff     = 1 * time.Second
	defaultMaxReconnectBackoff  = 10 * time.Second
)

// ErrClosed is returned by operations on a manager after Close.
var ErrClosed = errors.New("client: manager is closed")

// Handler receives one inbound envelope. Handlers run on the read goroutine;
// slow handlers delay subsequent messages.
type Handler func(env realtime.Envelope)

type Options struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Token is presented as a bearer token during the handshake.
	Token string

	PingInterval         time.Duration
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	MaxReconnectBackoff  time.Duration

	// OnFailure is invoked exactly once if the reconnect budget is
	// exhausted.
	OnFailure func(err error)
	// OnReconnectAttempt is invoked before each scheduled reconnect wait.
	OnReconnectAttempt func(attempt int, backoff time.Duration)

	Clock  clockwork.Clock
	Dialer *websocket.Dialer
}

func (o *Options) withDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = defaultReconnectBackoff
	}
	if o.MaxReconnectBackoff <= 0 {
		o.MaxReconnectBackoff = defaultMaxReconnectBackoff
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// session is one live connection with its paired goroutines. A new session
// replaces the old one on every reconnect.
type session struct {
	conn *websocket.Conn
	done chan struct{}
	wg   sync.WaitGroup
}

// Manager owns at most one active connection. Room membership on the server
// never survives a reconnect, so the manager tracks the rooms it should be
// in separately from the rooms the current connection has joined.
type Manager struct {
	opts  Options
	clock clockwork.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	sess    *session
	desired map[string]struct{}
	subs    map[string]map[int]Handler
	nextSub int
	closed  bool

	writeMu sync.Mutex

	failOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		clock:   opts.Clock,
		ctx:     ctx,
		cancel:  cancel,
		desired: make(map[string]struct{}),
		subs:    make(map[string]map[int]Handler),
	}
}

// Connect establishes the initial connection. Reconnection after abnormal
// closes is automatic; a failed initial connect is returned to the caller
// instead of retried.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.sess != nil {
		m.mu.Unlock()
		return errors.New("client: already connected")
	}
	m.mu.Unlock()

	conn, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", m.opts.URL, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	m.startSessionLocked(conn)
	m.mu.Unlock()
	return nil
}

// Connected reports whether a live connection exists right now.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess != nil
}

// JoinRoom records the room as desired and joins it on the live connection.
// The desired set is replayed after every reconnect.
func (m *Manager) JoinRoom(roomID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.desired[roomID] = struct{}{}
	sess := m.sess
	m.mu.Unlock()

	if sess == nil {
		return nil
	}
	return m.send(sess.conn, realtime.TypeJoinRoom, realtime.RoomRequest{RoomID: roomID})
}

// LeaveRoom removes the room from the desired set and leaves it on the live
// connection.
func (m *Manager) LeaveRoom(roomID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	delete(m.desired, roomID)
	sess := m.sess
	m.mu.Unlock()

	if sess == nil {
		return nil
	}
	return m.send(sess.conn, realtime.TypeLeaveRoom, realtime.RoomRequest{RoomID: roomID})
}

// Subscribe registers a handler for one envelope type and returns its
// unsubscribe closure. The per-type handler set disappears when the last
// subscriber unsubscribes.
func (m *Manager) Subscribe(eventType string, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.subs[eventType]
	if !ok {
		set = make(map[int]Handler)
		m.subs[eventType] = set
	}
	id := m.nextSub
	m.nextSub++
	set[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[eventType], id)
			if len(m.subs[eventType]) == 0 {
				delete(m.subs, eventType)
			}
		})
	}
}

// Close shuts the manager down: the backoff timer and keep-alive stop, and
// the live connection is closed with a normal-closure handshake so the
// server treats the departure as graceful.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sess := m.sess
	m.sess = nil
	m.mu.Unlock()

	m.cancel()

	if sess != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		m.writeMu.Lock()
		_ = sess.conn.WriteControl(websocket.CloseMessage, msg, m.clock.Now().Add(time.Second))
		m.writeMu.Unlock()
		sess.conn.Close()
	}

	m.wg.Wait()
	return nil
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}

	conn, resp, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// startSessionLocked installs a new session and spawns its goroutines. The
// caller holds m.mu, so the preceding closed-check and the install are one
// atomic step with respect to Close.
func (m *Manager) startSessionLocked(conn *websocket.Conn) {
	sess := &session{conn: conn, done: make(chan struct{})}
	m.sess = sess

	sess.wg.Add(1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer sess.wg.Done()
		m.pingLoop(sess)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.readLoop(sess)
	}()
}

// readLoop consumes the session until the transport dies, then decides
// whether the close warrants a reconnect.
func (m *Manager) readLoop(sess *session) {
	var readErr error
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}

		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("Dropping malformed frame", "error", err)
			continue
		}

		if env.Type == realtime.TypeConnected {
			m.rejoinDesiredRooms(sess)
		}

		m.dispatch(env)
	}

	close(sess.done)
	sess.conn.Close()

	m.mu.Lock()
	if m.sess == sess {
		m.sess = nil
	}
	closed := m.closed
	m.mu.Unlock()

	// Wait for the keep-alive to stop so the old session is fully drained
	// before a replacement starts.
	sess.wg.Wait()

	if closed || !isAbnormalClose(readErr) {
		return
	}

	slog.Info("Connection lost, scheduling reconnect", "error", readErr)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reconnect()
	}()
}

// reconnect runs the bounded backoff loop. Exhausting the budget surfaces a
// single terminal failure instead of retrying forever.
func (m *Manager) reconnect() {
	policy := retry.Policy{
		MaxAttempts:    m.opts.MaxReconnectAttempts,
		InitialBackoff: m.opts.ReconnectBackoff,
		MaxBackoff:     m.opts.MaxReconnectBackoff,
		Clock:          m.clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			if m.opts.OnReconnectAttempt != nil {
				m.opts.OnReconnectAttempt(attempt, backoff)
			}
		},
	}

	conn, err := retry.Do(m.ctx, policy, func() (*websocket.Conn, error) {
		return m.dial(m.ctx)
	})
	if err != nil {
		if m.ctx.Err() != nil {
			return
		}
		m.failOnce.Do(func() {
			slog.Error("Reconnect budget exhausted", "attempts", m.opts.MaxReconnectAttempts, "error", err)
			if m.opts.OnFailure != nil {
				m.opts.OnFailure(err)
			}
		})
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.startSessionLocked(conn)
	m.mu.Unlock()

	slog.Info("Reconnected")
}

// rejoinDesiredRooms replays join_room for every room the manager should be
// in. Runs when a connection is greeted, since server-side membership starts
// empty on every new connection.
func (m *Manager) rejoinDesiredRooms(sess *session) {
	m.mu.Lock()
	rooms := make([]string, 0, len(m.desired))
	for roomID := range m.desired {
		rooms = append(rooms, roomID)
	}
	m.mu.Unlock()

	for _, roomID := range rooms {
		if err := m.send(sess.conn, realtime.TypeJoinRoom, realtime.RoomRequest{RoomID: roomID}); err != nil {
			slog.Warn("Failed to rejoin room", "room_id", roomID, "error", err)
			return
		}
	}
}

func (m *Manager) dispatch(env realtime.Envelope) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs[env.Type]))
	for _, h := range m.subs[env.Type] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

// pingLoop sends an application-level ping envelope on a fixed interval.
func (m *Manager) pingLoop(sess *session) {
	ticker := m.clock.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if err := m.send(sess.conn, realtime.TypePing, nil); err != nil {
				return
			}
		case <-sess.done:
			return
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) send(conn *websocket.Conn, msgType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		raw = b
	}

	data, err := json.Marshal(realtime.Envelope{
		Type:      msgType,
		Payload:   raw,
		Timestamp: m.clock.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// isAbnormalClose reports whether the read error should trigger a reconnect.
// Normal closure and going-away indicate a deliberate goodbye from either
// side and never do.
func isAbnormalClose(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code != websocket.CloseNormalClosure && closeErr.Code != websocket.CloseGoingAway
	}
	return true
}
