package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Sequencer allocates document versions. Versions of a room only ever grow.
type Sequencer interface {
	// Next returns a version greater than floor and than every version it
	// returned before for roomID.
	Next(ctx context.Context, roomID string, floor int64) (int64, error)
}

// MemorySequencer allocates versions in process memory. It is only correct
// for a single relay instance.
type MemorySequencer struct {
	mu   sync.Mutex
	last map[string]int64
}

var (
	_ Sequencer = (*MemorySequencer)(nil)
	_ Sequencer = (*RedisSequencer)(nil)
)

// NewMemorySequencer creates an empty sequencer.
func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{last: make(map[string]int64)}
}

func (s *MemorySequencer) Next(_ context.Context, roomID string, floor int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := max(s.last[roomID], floor) + 1
	s.last[roomID] = v
	return v, nil
}

// RedisSequencer allocates versions with INCR so several relay instances can
// share rooms.
type RedisSequencer struct {
	client *redis.Client
}

// NewRedisSequencer wraps an existing client.
func NewRedisSequencer(client *redis.Client) *RedisSequencer {
	return &RedisSequencer{client: client}
}

func (s *RedisSequencer) versionKey(roomID string) string {
	return fmt.Sprintf("roomsync:room:%s:version", roomID)
}

func (s *RedisSequencer) Next(ctx context.Context, roomID string, floor int64) (int64, error) {
	key := s.versionKey(roomID)
	v, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to increment version for room %s on key %s: %w", roomID, key, err)
	}
	// The counter may lag a document restored from storage.
	if v <= floor {
		v, err = s.client.IncrBy(ctx, key, floor-v+1).Result()
		if err != nil {
			return 0, fmt.Errorf("redis: failed to advance version for room %s on key %s: %w", roomID, key, err)
		}
	}
	return v, nil
}
