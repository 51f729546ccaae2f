package relay

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySequencer(t *testing.T) {
	ctx := context.Background()
	seq := NewMemorySequencer()

	v1, _ := seq.Next(ctx, "r1", 0)
	v2, _ := seq.Next(ctx, "r1", 0)
	other, _ := seq.Next(ctx, "r2", 0)
	assert.Equal(t, int64(1), v1)
	assert.Equal(t, int64(2), v2)
	assert.Equal(t, int64(1), other, "rooms are counted separately")

	jumped, _ := seq.Next(ctx, "r1", 10)
	assert.Equal(t, int64(11), jumped, "the floor wins over a lagging counter")
	after, _ := seq.Next(ctx, "r1", 0)
	assert.Equal(t, int64(12), after)
}

func TestRedisSequencer(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis integration test")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", addr, err)
	}
	defer client.Close()

	seq := NewRedisSequencer(client)
	roomID := "test-" + uuid.NewString()
	defer client.Del(ctx, seq.versionKey(roomID))

	v1, err := seq.Next(ctx, roomID, 0)
	require.NoError(t, err)
	v2, err := seq.Next(ctx, roomID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)
	assert.Equal(t, int64(2), v2)

	v3, err := seq.Next(ctx, roomID, 40)
	require.NoError(t, err)
	assert.Equal(t, int64(41), v3)
}
