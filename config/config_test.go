package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.AckTimeout)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, cfg.BackoffBase)
	assert.Equal(t, time.Minute, cfg.BackoffMax)
	assert.Equal(t, 3, cfg.RetryCeiling)
	assert.Equal(t, 30*time.Second, cfg.DrainInterval)
	assert.Equal(t, 20, cfg.RatePerMinute)
	assert.Equal(t, 5, cfg.RateBurst)
	assert.Equal(t, "8080", cfg.Port)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("ACK_TIMEOUT", "250ms")
	t.Setenv("RETRY_CEILING", "5")
	t.Setenv("CHAT_WS_URL", "wss://chat.example.com/ws")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.AckTimeout)
	assert.Equal(t, 5, cfg.RetryCeiling)
	assert.Equal(t, "wss://chat.example.com/ws", cfg.WSURL)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("RETRY_CEILING", "many")
	t.Setenv("DRAIN_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.RetryCeiling)
	assert.Equal(t, 30*time.Second, cfg.DrainInterval)
}
