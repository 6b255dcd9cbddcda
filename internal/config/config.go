// Package config loads and validates environment configuration.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	AppURL    string `env:"APP_URL" default:"http://localhost:8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// TokenSecret signs and verifies the bearer tokens presented during the
	// WebSocket handshake. TokenIssuer is checked only when set.
	TokenSecret string `env:"TOKEN_SECRET"`
	TokenIssuer string `env:"TOKEN_ISSUER"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`

	MaxWebSocketConnections int `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int `env:"MAX_CONNECTIONS_PER_IP" default:"32"`

	// MessageRateLimit is the sustained inbound messages/second allowed per
	// connection; MessageRateBurst is the short-term burst allowance.
	MessageRateLimit float64 `env:"MESSAGE_RATE_LIMIT" default:"20"`
	MessageRateBurst int     `env:"MESSAGE_RATE_BURST" default:"40"`

	MaxMessageSize int64 `env:"MAX_MESSAGE_SIZE" default:"4096"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required")
	}
	if len(cfg.TokenSecret) < 16 {
		return fmt.Errorf("TOKEN_SECRET must be at least 16 characters, got %d", len(cfg.TokenSecret))
	}
	if cfg.HeartbeatInterval < time.Second {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be at least 1s, got %s", cfg.HeartbeatInterval)
	}
	if cfg.MaxWebSocketConnections <= 0 {
		return fmt.Errorf("MAX_WEBSOCKET_CONNECTIONS must be positive")
	}
	if cfg.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_IP must be positive")
	}
	if cfg.MessageRateLimit <= 0 || cfg.MessageRateBurst <= 0 {
		return fmt.Errorf("message rate limit and burst must be positive")
	}
	if cfg.MaxMessageSize < 256 {
		return fmt.Errorf("MAX_MESSAGE_SIZE must be at least 256 bytes, got %d", cfg.MaxMessageSize)
	}
	return nil
}
