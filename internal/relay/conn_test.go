package relay

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConn_FullBufferClosesConnection(t *testing.T) {
	var evicted atomic.Int32
	c := &conn{
		id:     "c1",
		userID: "slow",
		send:   make(chan []byte, 2),
		rooms:  make(map[string]*room),
		logger: slog.Default(),
		evict:  func() { evicted.Add(1) },
	}

	assert.True(t, c.enqueue([]byte("1")))
	assert.True(t, c.enqueue([]byte("2")))
	assert.False(t, c.enqueue([]byte("3")), "a full buffer never blocks")
	assert.False(t, c.enqueue([]byte("4")))

	require.Eventually(t, func() bool {
		return evicted.Load() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), evicted.Load(), "the connection is closed once")
}

func TestConn_ClosedSendIsNotEvicted(t *testing.T) {
	var evicted atomic.Int32
	c := &conn{
		send:   make(chan []byte, 1),
		rooms:  make(map[string]*room),
		logger: slog.Default(),
		evict:  func() { evicted.Add(1) },
	}
	c.closeSend()

	assert.False(t, c.enqueue([]byte("late")))
	assert.Equal(t, int32(0), evicted.Load())
}
