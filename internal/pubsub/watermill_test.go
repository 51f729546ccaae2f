package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handle(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) get() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func TestWatermillBridge_PublishSubscribe(t *testing.T) {
	bus := NewWatermillBridge(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collector{}
	require.NoError(t, bus.Subscribe(ctx, RoomTopic("r1"), c.handle))

	err := bus.Publish(ctx, Message{
		Topic:    RoomTopic("r1"),
		UserID:   "alice",
		Payload:  []byte(`{"x":1}`),
		Metadata: map[string]string{"kind": "typing"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.get()) == 1 }, time.Second, 5*time.Millisecond)
	msg := c.get()[0]
	assert.Equal(t, "room.r1", msg.Topic)
	assert.Equal(t, "alice", msg.UserID)
	assert.JSONEq(t, `{"x":1}`, string(msg.Payload))
	assert.Equal(t, "typing", msg.Metadata["kind"])
	assert.NotContains(t, msg.Metadata, "topic")
}

func TestWatermillBridge_PreservesPublishOrder(t *testing.T) {
	bus := NewWatermillBridge(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, second := &collector{}, &collector{}
	require.NoError(t, bus.Subscribe(ctx, RoomTopic("r1"), first.handle))
	require.NoError(t, bus.Subscribe(ctx, RoomTopic("r1"), second.handle))

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, bus.Publish(ctx, Message{Topic: RoomTopic("r1"), Payload: []byte(fmt.Sprint(i))}))
	}

	for _, c := range []*collector{first, second} {
		require.Eventually(t, func() bool { return len(c.get()) == n }, 2*time.Second, 5*time.Millisecond)
		for i, msg := range c.get() {
			assert.Equal(t, fmt.Sprint(i), string(msg.Payload))
		}
	}
}

func TestWatermillBridge_TopicsAreIsolated(t *testing.T) {
	bus := NewWatermillBridge(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collector{}
	require.NoError(t, bus.Subscribe(ctx, RoomTopic("r1"), c.handle))
	require.NoError(t, bus.Publish(ctx, Message{Topic: RoomTopic("r2"), Payload: []byte("x")}))
	require.NoError(t, bus.Publish(ctx, Message{Topic: RoomTopic("r1"), Payload: []byte("y")}))

	require.Eventually(t, func() bool { return len(c.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "y", string(c.get()[0].Payload))
}

func TestWatermillBridge_HandlerErrorDoesNotStallTopic(t *testing.T) {
	bus := NewWatermillBridge(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	require.NoError(t, bus.Subscribe(ctx, "t", func(context.Context, Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("boom")
	}))

	require.NoError(t, bus.Publish(ctx, Message{Topic: "t"}))
	require.NoError(t, bus.Publish(ctx, Message{Topic: "t"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 5*time.Millisecond)
}

func TestTypedEvent_PublishDecode(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	bus := NewWatermillBridge(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := NewEvent[payload](RoomTopic("r1"))
	c := &collector{}
	require.NoError(t, bus.Subscribe(ctx, event.Name(), c.handle))
	require.NoError(t, Publish(ctx, bus, event, "alice", payload{Name: "hello"}))

	require.Eventually(t, func() bool { return len(c.get()) == 1 }, time.Second, 5*time.Millisecond)
	got, err := Decode(event, c.get()[0])
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Name)

	_, err = Decode(NewEvent[payload]("other"), c.get()[0])
	assert.Error(t, err)
}
