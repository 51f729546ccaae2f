package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(envOf(nil))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
	assert.Equal(t, time.Second, cfg.GetTypingIdle())
	assert.Equal(t, StoreMemory, cfg.GetStore())
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(envOf(map[string]string{
		"ROOMSYNC_SERVER_URL":        "wss://relay.example.com/ws",
		"ROOMSYNC_HANDSHAKE_TIMEOUT": "3s",
		"ROOMSYNC_TYPING_IDLE":       "500ms",
		"ROOMSYNC_HISTORY_PAGE_SIZE": "20",
		"ROOMSYNC_STORE":             "surreal",
		"SURREAL_URL":                "ws://localhost:8000/rpc",
		"SURREAL_NS":                 "app",
		"SURREAL_DB":                 "rooms",
		"REDIS_ADDR":                 "localhost:6379",
	}))
	require.NoError(t, err)

	assert.Equal(t, "wss://relay.example.com/ws", cfg.GetServerURL())
	assert.Equal(t, 3*time.Second, cfg.GetHandshakeTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.GetTypingIdle())
	assert.Equal(t, 20, cfg.GetHistoryPageSize())
	assert.Equal(t, "app", cfg.GetDBNs())
	assert.Equal(t, "localhost:6379", cfg.GetRedisAddr())
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"ROOMSYNC_TYPING_IDLE": "soon"}},
		{"bad integer", map[string]string{"ROOMSYNC_HISTORY_PAGE_SIZE": "many"}},
		{"unknown store", map[string]string{"ROOMSYNC_STORE": "postgres"}},
		{"surreal without url", map[string]string{"ROOMSYNC_STORE": "surreal"}},
		{"reconnect max below min", map[string]string{"ROOMSYNC_RECONNECT_MIN": "10s", "ROOMSYNC_RECONNECT_MAX": "1s"}},
		{"ttl below idle", map[string]string{"ROOMSYNC_TYPING_IDLE": "5s", "ROOMSYNC_TYPING_TTL": "1s"}},
		{"page size too large", map[string]string{"ROOMSYNC_HISTORY_PAGE_SIZE": "10000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(envOf(tt.env))
			assert.Error(t, err)
		})
	}
}
