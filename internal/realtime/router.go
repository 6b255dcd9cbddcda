package realtime

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/forumlive/forumlive/internal/metrics"
)

// Router parses inbound frames and dispatches them to the hub. It is a
// liberal receiver: malformed frames and unknown types are logged and
// dropped, never fatal to the connection.
type Router struct {
	hub *Hub
}

// NewRouter creates a router dispatching into the given hub.
func NewRouter(hub *Hub) *Router {
	return &Router{hub: hub}
}

// Dispatch handles one inbound frame from conn. A panic inside a handler is
// contained to this message; the connection and the process survive it.
func (r *Router) Dispatch(ctx context.Context, conn *Conn, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "Recovered from message handler panic",
				"panic", rec,
				"user_id", conn.UserID(),
			)
		}
	}()

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.MessagesReceivedTotal.WithLabelValues("malformed").Inc()
		slog.DebugContext(ctx, "Dropping malformed frame", "user_id", conn.UserID(), "error", err)
		return
	}

	metrics.MessagesReceivedTotal.WithLabelValues(receivedLabel(env.Type)).Inc()

	switch env.Type {
	case TypeJoinRoom:
		roomID, ok := r.parseRoomRequest(ctx, conn, env)
		if !ok {
			return
		}
		r.hub.JoinRoom(conn, roomID)

	case TypeLeaveRoom:
		roomID, ok := r.parseRoomRequest(ctx, conn, env)
		if !ok {
			return
		}
		r.hub.LeaveRoom(conn, roomID)

	case TypePing:
		r.hub.sendPong(conn)

	default:
		slog.DebugContext(ctx, "Ignoring unknown message type", "type", env.Type, "user_id", conn.UserID())
	}
}

// receivedLabel maps the client-supplied type onto a fixed label set. The
// type string is attacker-controlled; letting it through verbatim would mint
// a permanent counter child per distinct value.
func receivedLabel(msgType string) string {
	switch msgType {
	case TypeJoinRoom, TypeLeaveRoom, TypePing:
		return msgType
	default:
		return "unknown"
	}
}

func (r *Router) parseRoomRequest(ctx context.Context, conn *Conn, env Envelope) (string, bool) {
	var req RoomRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		metrics.MessagesReceivedTotal.WithLabelValues("malformed").Inc()
		slog.DebugContext(ctx, "Dropping frame with invalid payload",
			"type", env.Type,
			"user_id", conn.UserID(),
			"error", err,
		)
		return "", false
	}
	if req.RoomID == "" {
		slog.DebugContext(ctx, "Dropping frame with empty room id", "type", env.Type, "user_id", conn.UserID())
		return "", false
	}
	return req.RoomID, true
}
