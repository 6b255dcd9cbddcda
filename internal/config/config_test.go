package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TOKEN_SECRET", "test-secret-at-least-16-chars")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 10000, cfg.MaxWebSocketConnections)
	assert.Equal(t, 32, cfg.MaxConnectionsPerIP)
	assert.Equal(t, int64(4096), cfg.MaxMessageSize)
}

func TestLoad_MissingTokenSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TOKEN_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, "TOKEN_SECRET is required", err.Error())
}

func TestLoad_ShortTokenSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TOKEN_SECRET", "too-short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 16 characters")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		envVar  string
		value   string
		wantErr string
	}{
		{"heartbeat too small", "HEARTBEAT_INTERVAL", "100ms", "HEARTBEAT_INTERVAL must be at least 1s"},
		{"zero max connections", "MAX_WEBSOCKET_CONNECTIONS", "0", "MAX_WEBSOCKET_CONNECTIONS must be positive"},
		{"negative per-ip limit", "MAX_CONNECTIONS_PER_IP", "-1", "MAX_CONNECTIONS_PER_IP must be positive"},
		{"zero rate limit", "MESSAGE_RATE_LIMIT", "0", "message rate limit and burst must be positive"},
		{"tiny message size", "MAX_MESSAGE_SIZE", "16", "MAX_MESSAGE_SIZE must be at least 256 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.envVar, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("HEARTBEAT_INTERVAL", "10s")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, "json", cfg.LogFormat)
}
