// Package realtime implements the presence and room-broadcast hub: the
// registry of live connections per user, per-room presence sets, heartbeat
// reaping of dead peers, and message fan-out.
package realtime

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/forumlive/forumlive/internal/metrics"
)

const (
	commandTimeout   = 5 * time.Second
	stopTimeout      = 10 * time.Second
	cmdChannelSize   = 256
	depthWarnAt      = 200 // 80% of cmdChannelSize
	shutdownReason   = "server shutting down"
	DefaultHeartbeat = 30 * time.Second
)

// hubCmd is the command interface for the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	conn  *Conn
	errCh chan error
}

type unregisterCmd struct {
	baseHubCmd
	conn *Conn
}

type joinRoomCmd struct {
	baseHubCmd
	conn   *Conn
	roomID string
}

type leaveRoomCmd struct {
	baseHubCmd
	conn   *Conn
	roomID string
}

type broadcastRoomCmd struct {
	baseHubCmd
	roomID        string
	msgType       string
	payload       any
	excludeUserID string
}

type broadcastUserCmd struct {
	baseHubCmd
	userID  string
	msgType string
	payload any
}

type broadcastAllCmd struct {
	baseHubCmd
	msgType string
	payload any
}

type isOnlineCmd struct {
	baseHubCmd
	userID  string
	replyCh chan bool
}

type activeRoomsCmd struct {
	baseHubCmd
	userID  string
	replyCh chan []string
}

type roomMembersCmd struct {
	baseHubCmd
	roomID  string
	replyCh chan []string
}

type clientCountCmd struct {
	baseHubCmd
	replyCh chan int
}

type sendCmd struct {
	baseHubCmd
	conn    *Conn
	msgType string
	payload any
}

type stopCmd struct {
	baseHubCmd
}

// Hub is the single owner of all registry and presence state. One goroutine
// consumes commands off cmdCh; every mutation is serialized through it, so
// interleaved connect/disconnect events for the same user can never race.
type Hub struct {
	cmdCh chan hubCmd
	clock clockwork.Clock

	// connections is every live connection on this instance.
	connections map[*Conn]struct{}
	// byUser maps user ID to that user's live connections. An entry with an
	// empty set is deleted immediately; a user is online iff an entry exists.
	byUser map[string]map[*Conn]struct{}
	// rooms maps room ID to the set of present user IDs. Rooms exist only
	// while they have members.
	rooms map[string]map[string]struct{}

	heartbeatInterval time.Duration
	done              chan struct{}
	stopTimeout       time.Duration
}

// NewHub creates the hub and starts its actor goroutine. The heartbeat
// ticker runs inside the loop and is cancelled by Stop.
func NewHub(clock clockwork.Clock, heartbeatInterval time.Duration) *Hub {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeat
	}
	h := &Hub{
		cmdCh:             make(chan hubCmd, cmdChannelSize),
		clock:             clock,
		connections:       make(map[*Conn]struct{}),
		byUser:            make(map[string]map[*Conn]struct{}),
		rooms:             make(map[string]map[string]struct{}),
		heartbeatInterval: heartbeatInterval,
		done:              make(chan struct{}),
		stopTimeout:       stopTimeout,
	}
	go h.run()
	return h
}

// --- Public API (posts commands, never touches state directly) ---

// Register adds an authenticated connection to the registry and sends the
// "connected" greeting.
func (h *Hub) Register(conn *Conn) error {
	errCh := make(chan error, 1)
	h.cmdCh <- registerCmd{conn: conn, errCh: errCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-timer.Chan():
		return fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister removes a connection, unwinding its registry entry and every
// room presence it contributed to. Removing an unknown connection is a no-op.
func (h *Hub) Unregister(conn *Conn) {
	h.cmdCh <- unregisterCmd{conn: conn}
}

// JoinRoom adds the connection to a room, creating the room lazily.
func (h *Hub) JoinRoom(conn *Conn, roomID string) {
	h.cmdCh <- joinRoomCmd{conn: conn, roomID: roomID}
}

// LeaveRoom removes the connection from a room.
func (h *Hub) LeaveRoom(conn *Conn, roomID string) {
	h.cmdCh <- leaveRoomCmd{conn: conn, roomID: roomID}
}

// BroadcastToRoom fans a message out to every live connection of every user
// present in the room. Connections belonging to excludeUserID are skipped;
// pass "" to exclude nobody.
func (h *Hub) BroadcastToRoom(roomID, msgType string, payload any, excludeUserID string) {
	h.cmdCh <- broadcastRoomCmd{roomID: roomID, msgType: msgType, payload: payload, excludeUserID: excludeUserID}
}

// BroadcastToUser sends a message to every live connection of one user.
func (h *Hub) BroadcastToUser(userID, msgType string, payload any) {
	h.cmdCh <- broadcastUserCmd{userID: userID, msgType: msgType, payload: payload}
}

// BroadcastToAll sends a message to every live connection server-wide.
func (h *Hub) BroadcastToAll(msgType string, payload any) {
	h.cmdCh <- broadcastAllCmd{msgType: msgType, payload: payload}
}

// sendPong answers an application-level ping on the same connection. Routed
// through the hub loop so the pong stays ordered with other outbound frames.
func (h *Hub) sendPong(conn *Conn) {
	h.cmdCh <- sendCmd{conn: conn, msgType: TypePong, payload: nil}
}

// IsOnline reports whether the user has at least one live connection.
func (h *Hub) IsOnline(userID string) bool {
	replyCh := make(chan bool, 1)
	h.cmdCh <- isOnlineCmd{userID: userID, replyCh: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case online := <-replyCh:
		return online
	case <-timer.Chan():
		slog.Warn("IsOnline timed out", "timeout", commandTimeout)
		return false
	}
}

// ActiveRooms returns the union of joined-room sets across all of the
// user's live connections, sorted.
func (h *Hub) ActiveRooms(userID string) []string {
	replyCh := make(chan []string, 1)
	h.cmdCh <- activeRoomsCmd{userID: userID, replyCh: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case rooms := <-replyCh:
		return rooms
	case <-timer.Chan():
		slog.Warn("ActiveRooms timed out", "timeout", commandTimeout)
		return nil
	}
}

// RoomMembers returns the user IDs present in the room, sorted. A room with
// no members does not exist, so the result is nil.
func (h *Hub) RoomMembers(roomID string) []string {
	replyCh := make(chan []string, 1)
	h.cmdCh <- roomMembersCmd{roomID: roomID, replyCh: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case members := <-replyCh:
		return members
	case <-timer.Chan():
		slog.Warn("RoomMembers timed out", "timeout", commandTimeout)
		return nil
	}
}

// ClientCount returns the total number of live connections, or -1 on timeout.
func (h *Hub) ClientCount() int {
	replyCh := make(chan int, 1)
	h.cmdCh <- clientCountCmd{replyCh: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-timer.Chan():
		slog.Warn("ClientCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop shuts the hub down, closing every connection with a going-away close.
// Blocks until the actor goroutine exits or the stop timeout is reached.
func (h *Hub) Stop() {
	h.cmdCh <- stopCmd{}

	timeout := h.clock.NewTimer(h.stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Hub stop timeout exceeded, forcing exit", "timeout", h.stopTimeout)
		metrics.HubStopTimeoutsTotal.Inc()
	}
}

// --- Actor loop ---

func (h *Hub) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			metrics.HubPanicsTotal.Inc()
			h.closeAll(websocket.CloseInternalServerErr, "hub panic")
		}
	}()

	heartbeat := h.clock.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()
	defer close(h.done)

	depthTicker := h.clock.NewTicker(1 * time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(h.cmdCh)
			metrics.HubCommandChannelDepth.Set(float64(depth))
			if depth > depthWarnAt {
				slog.Warn("Hub command channel near capacity", "depth", depth, "capacity", cap(h.cmdCh))
			}

		case <-heartbeat.Chan():
			h.handleHeartbeat()

		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				h.handleRegister(c)
			case unregisterCmd:
				h.handleUnregister(c.conn)
			case joinRoomCmd:
				h.handleJoin(c.conn, c.roomID)
			case leaveRoomCmd:
				h.handleLeave(c.conn, c.roomID)
			case broadcastRoomCmd:
				h.broadcastRoom(c.roomID, c.msgType, c.payload, c.excludeUserID)
			case broadcastUserCmd:
				h.broadcastUser(c.userID, c.msgType, c.payload)
			case broadcastAllCmd:
				h.broadcastAll(c.msgType, c.payload)
			case sendCmd:
				h.sendTo(c.conn, c.msgType, c.payload)
			case isOnlineCmd:
				_, online := h.byUser[c.userID]
				c.replyCh <- online
			case activeRoomsCmd:
				c.replyCh <- h.activeRooms(c.userID)
			case roomMembersCmd:
				c.replyCh <- h.roomMembers(c.roomID)
			case clientCountCmd:
				c.replyCh <- len(h.connections)
			case stopCmd:
				h.handleStop()
				return
			default:
				slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (h *Hub) handleRegister(c registerCmd) {
	conn := c.conn

	h.connections[conn] = struct{}{}
	conns, exists := h.byUser[conn.userID]
	if !exists {
		conns = make(map[*Conn]struct{})
		h.byUser[conn.userID] = conns
	}
	conns[conn] = struct{}{}

	h.updateGauges()
	slog.Debug("Connection registered",
		"connection_id", conn.id.String(),
		"user_id", conn.userID,
		"user_connections", len(conns),
	)

	h.sendTo(conn, TypeConnected, ConnectedPayload{UserID: conn.userID, Username: conn.username})
	c.errCh <- nil
}

// handleUnregister unwinds one connection: its contribution to every room's
// presence, its registry entry, and its writer. Idempotent.
func (h *Hub) handleUnregister(conn *Conn) {
	if _, exists := h.connections[conn]; !exists {
		return
	}
	delete(h.connections, conn)

	// Unwind room presence before dropping the registry entry so the
	// still-joined check sees the user's surviving connections.
	conns := h.byUser[conn.userID]
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.byUser, conn.userID)
	}

	for roomID := range conn.rooms {
		delete(conn.rooms, roomID)
		h.dropPresence(conn, roomID)
	}

	conn.writer.stop()
	h.updateGauges()

	if _, online := h.byUser[conn.userID]; !online {
		slog.Info("Last connection closed for user", "user_id", conn.userID)
	} else {
		slog.Debug("Connection unregistered", "connection_id", conn.id.String(), "user_id", conn.userID)
	}
}

func (h *Hub) handleJoin(conn *Conn, roomID string) {
	if _, exists := h.connections[conn]; !exists {
		return
	}

	conn.rooms[roomID] = struct{}{}

	members, exists := h.rooms[roomID]
	if !exists {
		members = make(map[string]struct{})
		h.rooms[roomID] = members
	}
	members[conn.userID] = struct{}{}
	count := len(members)

	h.updateGauges()
	slog.Debug("Room joined", "room_id", roomID, "user_id", conn.userID, "member_count", count)

	h.sendTo(conn, TypeRoomJoined, RoomJoinedPayload{RoomID: roomID, MemberCount: count})
	h.broadcastRoom(roomID, TypeUserJoined, RoomEventPayload{
		RoomID:      roomID,
		UserID:      conn.userID,
		Username:    conn.username,
		MemberCount: count,
	}, conn.userID)
}

func (h *Hub) handleLeave(conn *Conn, roomID string) {
	if _, joined := conn.rooms[roomID]; !joined {
		return
	}
	delete(conn.rooms, roomID)
	h.dropPresence(conn, roomID)
	h.updateGauges()
}

// dropPresence removes conn's contribution to a room's presence set. The
// user stays present while any of their other live connections still has the
// room joined; presence is derived from the union of the user's connections.
func (h *Hub) dropPresence(conn *Conn, roomID string) {
	members, exists := h.rooms[roomID]
	if !exists {
		return
	}

	for other := range h.byUser[conn.userID] {
		if _, joined := other.rooms[roomID]; joined {
			return
		}
	}

	delete(members, conn.userID)
	count := len(members)
	if count == 0 {
		delete(h.rooms, roomID)
	}

	slog.Debug("Room left", "room_id", roomID, "user_id", conn.userID, "member_count", count)

	h.broadcastRoom(roomID, TypeUserLeft, RoomEventPayload{
		RoomID:      roomID,
		UserID:      conn.userID,
		Username:    conn.username,
		MemberCount: count,
	}, "")
}

// handleHeartbeat probes every live connection. A connection whose liveness
// flag is still down from the previous cycle failed to answer its probe and
// is terminated abruptly; everyone else gets the flag lowered and a fresh
// ping.
func (h *Hub) handleHeartbeat() {
	var dead []*Conn
	for conn := range h.connections {
		if !conn.alive.Load() {
			dead = append(dead, conn)
			continue
		}
		conn.alive.Store(false)
		if !conn.writer.ping() {
			dead = append(dead, conn)
		}
	}

	for _, conn := range dead {
		slog.Info("Terminating unresponsive connection",
			"connection_id", conn.id.String(),
			"user_id", conn.userID,
			"last_activity", conn.LastActivity(),
		)
		metrics.HeartbeatTerminationsTotal.Inc()
		conn.writer.stop()
		h.handleUnregister(conn)
	}
}

// --- Fan-out ---

func (h *Hub) broadcastRoom(roomID, msgType string, payload any, excludeUserID string) {
	members, exists := h.rooms[roomID]
	if !exists {
		return
	}

	data, err := encodeMessage(msgType, payload, h.clock.Now())
	if err != nil {
		slog.Error("Failed to encode broadcast message", "type", msgType, "error", err)
		return
	}

	var slow []*Conn
	for userID := range members {
		if excludeUserID != "" && userID == excludeUserID {
			continue
		}
		for conn := range h.byUser[userID] {
			// Defends against a stale presence/connection mismatch: only
			// connections that themselves joined the room receive the frame.
			if _, joined := conn.rooms[roomID]; !joined {
				continue
			}
			if conn.send(data) {
				metrics.MessagesSentTotal.WithLabelValues(msgType).Inc()
			} else {
				slow = append(slow, conn)
			}
		}
	}

	h.evictSlow(slow)
}

func (h *Hub) broadcastUser(userID, msgType string, payload any) {
	conns, exists := h.byUser[userID]
	if !exists {
		return
	}

	data, err := encodeMessage(msgType, payload, h.clock.Now())
	if err != nil {
		slog.Error("Failed to encode broadcast message", "type", msgType, "error", err)
		return
	}

	var slow []*Conn
	for conn := range conns {
		if conn.send(data) {
			metrics.MessagesSentTotal.WithLabelValues(msgType).Inc()
		} else {
			slow = append(slow, conn)
		}
	}

	h.evictSlow(slow)
}

func (h *Hub) broadcastAll(msgType string, payload any) {
	if len(h.connections) == 0 {
		return
	}

	data, err := encodeMessage(msgType, payload, h.clock.Now())
	if err != nil {
		slog.Error("Failed to encode broadcast message", "type", msgType, "error", err)
		return
	}

	var slow []*Conn
	for conn := range h.connections {
		if conn.send(data) {
			metrics.MessagesSentTotal.WithLabelValues(msgType).Inc()
		} else {
			slow = append(slow, conn)
		}
	}

	h.evictSlow(slow)
}

// sendTo serializes and sends a single message to one connection.
func (h *Hub) sendTo(conn *Conn, msgType string, payload any) {
	data, err := encodeMessage(msgType, payload, h.clock.Now())
	if err != nil {
		slog.Error("Failed to encode message", "type", msgType, "error", err)
		return
	}
	if conn.send(data) {
		metrics.MessagesSentTotal.WithLabelValues(msgType).Inc()
	}
}

// evictSlow unregisters connections whose send buffer was full or whose
// writer already stopped. A client that cannot drain its buffer is treated
// the same as a dead one.
func (h *Hub) evictSlow(slow []*Conn) {
	for _, conn := range slow {
		slog.Warn("Evicting slow client", "connection_id", conn.id.String(), "user_id", conn.userID)
		metrics.SlowClientEvictionsTotal.Inc()
		h.handleUnregister(conn)
	}
}

// --- Queries (loop-internal) ---

func (h *Hub) activeRooms(userID string) []string {
	conns, exists := h.byUser[userID]
	if !exists {
		return nil
	}

	set := make(map[string]struct{})
	for conn := range conns {
		for roomID := range conn.rooms {
			set[roomID] = struct{}{}
		}
	}

	rooms := make([]string, 0, len(set))
	for roomID := range set {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

func (h *Hub) roomMembers(roomID string) []string {
	members, exists := h.rooms[roomID]
	if !exists {
		return nil
	}

	users := make([]string, 0, len(members))
	for userID := range members {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// --- Shutdown ---

func (h *Hub) handleStop() {
	slog.Info("Hub shutting down",
		"connections", len(h.connections),
		"users", len(h.byUser),
		"rooms", len(h.rooms),
	)
	h.closeAll(websocket.CloseGoingAway, shutdownReason)
	slog.Info("Hub shutdown complete")
}

func (h *Hub) closeAll(code int, reason string) {
	for conn := range h.connections {
		conn.writer.stopGraceful(code, reason)
		delete(h.connections, conn)
	}
	h.byUser = make(map[string]map[*Conn]struct{})
	h.rooms = make(map[string]map[string]struct{})
	h.updateGauges()
}

func (h *Hub) updateGauges() {
	metrics.HubActiveConnections.Set(float64(len(h.connections)))
	metrics.HubOnlineUsers.Set(float64(len(h.byUser)))
	metrics.HubActiveRooms.Set(float64(len(h.rooms)))
}
