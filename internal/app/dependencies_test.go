package app

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/samber/do/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/roomsync/internal/config"
	"github.com/nfrund/roomsync/internal/relay"
	"github.com/nfrund/roomsync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestNewServer_InMemory(t *testing.T) {
	s, err := NewServer(config.Defaults(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	s.E.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.E.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rooms/r1/messages", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStorage_SnapshotDir(t *testing.T) {
	cfg := config.Defaults()
	cfg.SnapshotDir = t.TempDir()

	i := NewInjector(cfg, testLogger())
	storage := do.MustInvoke[*Storage](i)

	assert.IsType(t, &store.MemoryStore{}, storage.Messages)
	assert.IsType(t, &store.SnapshotFiles{}, storage.Documents)
}

func TestSequencer_DefaultsToMemory(t *testing.T) {
	i := NewInjector(config.Defaults(), testLogger())
	seq := do.MustInvoke[relay.Sequencer](i)
	assert.IsType(t, &relay.MemorySequencer{}, seq)
}

func TestSequencer_UnreachableRedis(t *testing.T) {
	cfg := config.Defaults()
	cfg.RedisAddr = "127.0.0.1:1"

	_, err := NewServer(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to redis")
}
