package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound message types.
const (
	TypeJoinRoom  = "join_room"
	TypeLeaveRoom = "leave_room"
	TypePing      = "ping"
)

// Outbound message types.
const (
	TypeConnected  = "connected"
	TypeRoomJoined = "room_joined"
	TypeUserJoined = "user_joined"
	TypeUserLeft   = "user_left"
	TypePong       = "pong"
)

// Envelope is the wire format in both directions. The timestamp is attached
// by the sender at transmission time.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// RoomRequest is the payload of join_room and leave_room.
type RoomRequest struct {
	RoomID string `json:"room_id"`
}

// ConnectedPayload greets a freshly registered connection.
type ConnectedPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// RoomJoinedPayload acknowledges a join to the joining connection.
type RoomJoinedPayload struct {
	RoomID      string `json:"room_id"`
	MemberCount int    `json:"member_count"`
}

// RoomEventPayload announces a presence change to a room.
type RoomEventPayload struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	MemberCount int    `json:"member_count"`
}

// encodeMessage serializes one outbound frame: envelope type, payload, and a
// send-time RFC3339 timestamp. Fan-out marshals once and hands the same
// bytes to every recipient.
func encodeMessage(msgType string, payload any, now time.Time) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		raw = b
	}

	data, err := json.Marshal(Envelope{
		Type:      msgType,
		Payload:   raw,
		Timestamp: now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}
