package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/roomsync/internal/domain"
)

func participant(id string) domain.Participant {
	return domain.Participant{UserID: id, Handle: "h-" + id}
}

func TestTracker_JoinIsIdempotent(t *testing.T) {
	tr := NewTracker("r1")

	assert.True(t, tr.OnUserJoined(participant("alice")))
	assert.False(t, tr.OnUserJoined(participant("alice")))
	assert.Equal(t, 1, tr.OnlineCount())
	assert.Len(t, tr.Participants(), 1)
}

func TestTracker_LeaveKeepsRecord(t *testing.T) {
	tr := NewTracker("r1")
	tr.OnUserJoined(participant("alice"))

	assert.True(t, tr.OnUserLeft("alice"))
	assert.False(t, tr.OnUserLeft("alice"), "second leave is a no-op")
	assert.Equal(t, 0, tr.OnlineCount())

	p, ok := tr.Participant("alice")
	require.True(t, ok, "participant must be retained for attribution")
	assert.False(t, p.Online)
	assert.Equal(t, "h-alice", p.DisplayName())
}

func TestTracker_RejoinAfterLeave(t *testing.T) {
	tr := NewTracker("r1")
	tr.OnUserJoined(participant("alice"))
	tr.OnUserLeft("alice")

	assert.True(t, tr.OnUserJoined(participant("alice")))
	assert.Equal(t, 1, tr.OnlineCount())
	assert.Len(t, tr.Participants(), 1)
}

func TestTracker_SnapshotOverwritesAccumulator(t *testing.T) {
	tr := NewTracker("r1")
	for i := 0; i < 7; i++ {
		tr.OnUserJoined(participant(fmt.Sprintf("u%d", i)))
	}
	// Two ungraceful disconnects never produced a leave event.
	require.Equal(t, 7, tr.OnlineCount())

	snapshot := make([]domain.Participant, 0, 5)
	for i := 0; i < 5; i++ {
		snapshot = append(snapshot, participant(fmt.Sprintf("u%d", i)))
	}
	tr.ApplySnapshot(snapshot)

	assert.Equal(t, 5, tr.OnlineCount())
	assert.Len(t, tr.Online(), 5)
	assert.Len(t, tr.Participants(), 7, "offline members are still known")

	p, ok := tr.Participant("u6")
	require.True(t, ok)
	assert.False(t, p.Online)
	assert.False(t, tr.LastSnapshot().IsZero())
}

func TestTracker_SnapshotAddsUnknownMembers(t *testing.T) {
	tr := NewTracker("r1")
	tr.ApplySnapshot([]domain.Participant{participant("a"), participant("a"), participant("b")})

	assert.Equal(t, 2, tr.OnlineCount())
}

func TestTracker_LoadKeepsOmittedAsOffline(t *testing.T) {
	tr := NewTracker("r1")
	tr.OnUserJoined(participant("old"))

	tr.Load([]domain.Participant{
		{UserID: "a", Online: true},
		{UserID: "b", Online: false},
	})

	assert.Equal(t, 1, tr.OnlineCount())
	ids := make([]string, 0)
	for _, p := range tr.Participants() {
		ids = append(ids, p.UserID)
	}
	assert.Equal(t, []string{"a", "b", "old"}, ids)

	p, _ := tr.Participant("old")
	assert.False(t, p.Online)
}

func TestTracker_CursorAndTyping(t *testing.T) {
	tr := NewTracker("r1")
	tr.OnUserJoined(participant("alice"))

	tr.SetCursor("alice", domain.CursorPosition{Offset: 3, UpdatedAtMs: 10})
	tr.SetCursor("alice", domain.CursorPosition{Offset: 7, UpdatedAtMs: 20})
	tr.SetTyping("alice", true, 99)

	p, _ := tr.Participant("alice")
	require.NotNil(t, p.Cursor)
	assert.Equal(t, 7, p.Cursor.Offset)
	assert.True(t, p.Typing)
	assert.Equal(t, int64(99), p.TypingExpiresAtMs)

	// The returned copy does not alias tracker state.
	p.Cursor.Offset = 100
	again, _ := tr.Participant("alice")
	assert.Equal(t, 7, again.Cursor.Offset)

	tr.OnUserLeft("alice")
	again, _ = tr.Participant("alice")
	assert.False(t, again.Typing)
}

func TestTracker_ConcurrentAccess(t *testing.T) {
	tr := NewTracker("r1")

	const numGoroutines = 5
	const numOperations = 20

	var wg sync.WaitGroup
	wg.Add(numGoroutines * 2)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				tr.OnUserJoined(participant(fmt.Sprintf("user_%d_%d", id, j)))
			}
		}(i)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				tr.OnUserLeft(fmt.Sprintf("user_%d_%d", id, j))
				_ = tr.Online()
			}
		}(i)
	}
	wg.Wait()

	online := tr.OnlineCount()
	assert.Equal(t, len(tr.Online()), online)
	assert.Len(t, tr.Participants(), numGoroutines*numOperations)
}
