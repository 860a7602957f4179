package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BACKEND_ORIGIN", "")
	t.Setenv("BACKEND_WS_ORIGIN", "")
	t.Setenv("LIVE_BROKER_URL", "")
	t.Setenv("STATE_BACKEND", "")
	t.Setenv("STATE_DSN", "")

	cfg := Load()

	assert.Equal(t, "http://localhost:8080", cfg.BackendOrigin)
	assert.Equal(t, "ws://localhost:8080", cfg.BackendWSOrigin)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.BrokerURL)
	assert.Equal(t, "sqlite", cfg.StateBackend)
	assert.Equal(t, "chatdock.db", cfg.StateDSN)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 10, cfg.PollAttempts)
	assert.Equal(t, 10*time.Second, cfg.Heartbeat)
}

func TestLoad_DerivesSecureWebSocketOrigin(t *testing.T) {
	t.Setenv("BACKEND_ORIGIN", "https://api.example.com")
	t.Setenv("BACKEND_WS_ORIGIN", "")
	t.Setenv("LIVE_BROKER_URL", "")

	cfg := Load()

	assert.Equal(t, "wss://api.example.com", cfg.BackendWSOrigin)
	assert.Equal(t, "wss://api.example.com/ws", cfg.BrokerURL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LIVE_BROKER_URL", "amqp://rabbit:5672/")
	t.Setenv("LIVE_MAX_RECONNECTS", "3")
	t.Setenv("CHAT_POLL_INTERVAL_MS", "250")
	t.Setenv("STATE_BACKEND", "REDIS")
	t.Setenv("COOKIE_SECURE", "true")
	t.Setenv("ACK_TIMEOUT_MS", "not-a-number")

	cfg := Load()

	assert.Equal(t, "amqp://rabbit:5672/", cfg.BrokerURL)
	assert.Equal(t, 3, cfg.MaxReconnects)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, "redis", cfg.StateBackend)
	assert.True(t, cfg.CookieSecure)
	assert.Equal(t, 5*time.Second, cfg.AckTimeout)
}
