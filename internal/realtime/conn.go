package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/forumlive/forumlive/internal/auth"
)

// Conn is one authenticated transport session belonging to exactly one user.
// The identity is set at construction and immutable afterwards. The joined
// room set is owned exclusively by the hub goroutine; nothing outside the
// hub may touch it.
type Conn struct {
	id       uuid.UUID
	userID   string
	username string

	// rooms this connection has joined. Hub-owned.
	rooms map[string]struct{}

	// alive flips false on every heartbeat probe and back to true on the
	// answering pong. Written from the read goroutine (pong handler) and the
	// hub goroutine, hence atomic.
	alive atomic.Bool

	ws    *websocket.Conn
	clock clockwork.Clock

	writer *clientWriter

	activityMu   sync.Mutex
	lastActivity time.Time
}

// NewConn wraps an upgraded WebSocket connection with its verified identity.
func NewConn(ws *websocket.Conn, identity auth.Identity, clock clockwork.Clock) *Conn {
	c := &Conn{
		id:           uuid.New(),
		userID:       identity.UserID,
		username:     identity.Username,
		rooms:        make(map[string]struct{}),
		ws:           ws,
		clock:        clock,
		writer:       newClientWriter(ws, clock),
		lastActivity: clock.Now(),
	}
	c.alive.Store(true)

	ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		c.Touch()
		return nil
	})

	return c
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() uuid.UUID { return c.id }

// UserID returns the owning user's identifier.
func (c *Conn) UserID() string { return c.userID }

// Username returns the owning user's display name.
func (c *Conn) Username() string { return c.username }

// Touch records inbound activity on the connection.
func (c *Conn) Touch() {
	c.activityMu.Lock()
	c.lastActivity = c.clock.Now()
	c.activityMu.Unlock()
}

// LastActivity returns the time of the most recent inbound frame or pong.
func (c *Conn) LastActivity() time.Time {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	return c.lastActivity
}

// ReadMessage blocks on the next inbound frame. It belongs to the per
// connection read pump, never the hub.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.Touch()
	return data, nil
}

// SetReadLimit caps inbound frame size.
func (c *Conn) SetReadLimit(limit int64) {
	c.ws.SetReadLimit(limit)
}

// send enqueues a pre-serialized frame, reporting whether the writer
// accepted it.
func (c *Conn) send(data []byte) bool {
	return c.writer.enqueue(data)
}
