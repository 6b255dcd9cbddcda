package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMessage_AttachesSendTimeTimestamp(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

	data, err := encodeMessage(TypeUserJoined, RoomEventPayload{
		RoomID:      "general",
		UserID:      "u1",
		Username:    "alice",
		MemberCount: 3,
	}, now)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, TypeUserJoined, env.Type)
	assert.Equal(t, "2025-06-01T12:30:00Z", env.Timestamp)

	var payload RoomEventPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "general", payload.RoomID)
	assert.Equal(t, 3, payload.MemberCount)
}

func TestEncodeMessage_NilPayloadOmitted(t *testing.T) {
	data, err := encodeMessage(TypePong, nil, time.Now())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "payload")
	assert.Equal(t, "pong", raw["type"])
}

func TestEncodeMessage_TimestampIsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2025, 6, 1, 14, 0, 0, 0, loc)

	data, err := encodeMessage(TypePong, nil, now)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "2025-06-01T12:00:00Z", env.Timestamp)
}
