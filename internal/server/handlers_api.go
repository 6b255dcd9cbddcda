package server

import (
	"encoding/json"

	"github.com/labstack/echo/v4"

	apperrors "github.com/forumlive/forumlive/internal/errors"
)

// fanoutRequest is the body of the server-side fan-out endpoints. The payload
// is forwarded to clients verbatim inside the envelope.
type fanoutRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (r *fanoutRequest) validate(defaultType string) error {
	if r.Type == "" {
		r.Type = defaultType
	}
	if len(r.Payload) == 0 {
		return apperrors.ValidationError("payload is required")
	}
	return nil
}

func (s *Server) handleUserOnline(c echo.Context) error {
	userID := c.Param("id")
	if userID == "" {
		return apperrors.ValidationError("user id is required")
	}

	return c.JSON(200, map[string]any{
		"user_id": userID,
		"online":  s.hub.IsOnline(userID),
	})
}

func (s *Server) handleUserRooms(c echo.Context) error {
	userID := c.Param("id")
	if userID == "" {
		return apperrors.ValidationError("user id is required")
	}

	rooms := s.hub.ActiveRooms(userID)
	if rooms == nil {
		rooms = []string{}
	}

	return c.JSON(200, map[string]any{
		"user_id": userID,
		"rooms":   rooms,
	})
}

func (s *Server) handleRoomPresence(c echo.Context) error {
	roomID := c.Param("id")
	if roomID == "" {
		return apperrors.ValidationError("room id is required")
	}

	members := s.hub.RoomMembers(roomID)
	if members == nil {
		members = []string{}
	}

	return c.JSON(200, map[string]any{
		"room_id":      roomID,
		"members":      members,
		"member_count": len(members),
	})
}

func (s *Server) handleAnnounceRoom(c echo.Context) error {
	roomID := c.Param("id")
	if roomID == "" {
		return apperrors.ValidationError("room id is required")
	}

	var req fanoutRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body").WithCause(err)
	}
	if err := req.validate("announcement"); err != nil {
		return err
	}

	s.hub.BroadcastToRoom(roomID, req.Type, req.Payload, "")
	return c.JSON(202, map[string]string{"status": "accepted"})
}

func (s *Server) handleNotifyUser(c echo.Context) error {
	userID := c.Param("id")
	if userID == "" {
		return apperrors.ValidationError("user id is required")
	}

	var req fanoutRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body").WithCause(err)
	}
	if err := req.validate("notification"); err != nil {
		return err
	}

	if !s.hub.IsOnline(userID) {
		return apperrors.NotFoundError("user is not connected").WithContext("user_id", userID)
	}

	s.hub.BroadcastToUser(userID, req.Type, req.Payload)
	return c.JSON(202, map[string]string{"status": "accepted"})
}

func (s *Server) handleBroadcastAll(c echo.Context) error {
	var req fanoutRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body").WithCause(err)
	}
	if err := req.validate("announcement"); err != nil {
		return err
	}

	s.hub.BroadcastToAll(req.Type, req.Payload)
	return c.JSON(202, map[string]string{"status": "accepted"})
}
