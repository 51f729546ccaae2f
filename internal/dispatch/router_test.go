package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nfrund/roomsync/internal/events"
)

func envelope(roomID string, kind events.Kind) events.Envelope {
	return events.Envelope{Type: kind, RoomID: roomID}
}

func TestRouter_DispatchByRoomAndKind(t *testing.T) {
	r := NewRouter(nil)
	var got []string
	r.Subscribe("r1", events.KindMessageSent, func(_ context.Context, env events.Envelope) error {
		got = append(got, "r1:"+string(env.Type))
		return nil
	})
	r.Subscribe("r2", events.KindMessageSent, func(_ context.Context, env events.Envelope) error {
		got = append(got, "r2:"+string(env.Type))
		return nil
	})

	assert.True(t, r.Dispatch(context.Background(), envelope("r1", events.KindMessageSent)))
	assert.False(t, r.Dispatch(context.Background(), envelope("r1", events.KindUserLeft)), "no listener for the kind")
	assert.False(t, r.Dispatch(context.Background(), envelope("r3", events.KindMessageSent)), "no listener for the room")
	assert.Equal(t, []string{"r1:message_sent"}, got)
}

func TestRouter_UnsubscribeOneOfSeveral(t *testing.T) {
	r := NewRouter(nil)
	var a, b int
	subA := r.Subscribe("r1", events.KindUserJoined, func(context.Context, events.Envelope) error { a++; return nil })
	r.Subscribe("r1", events.KindUserJoined, func(context.Context, events.Envelope) error { b++; return nil })

	r.Dispatch(context.Background(), envelope("r1", events.KindUserJoined))
	subA.Unsubscribe()
	subA.Unsubscribe()
	r.Dispatch(context.Background(), envelope("r1", events.KindUserJoined))

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	Subscription{}.Unsubscribe()
}

func TestRouter_UnsubscribeRoom(t *testing.T) {
	r := NewRouter(nil)
	called := false
	r.Subscribe("r1", events.KindMessageSent, func(context.Context, events.Envelope) error { called = true; return nil })
	r.Subscribe("r1", events.KindUserLeft, func(context.Context, events.Envelope) error { called = true; return nil })
	r.Subscribe("r2", events.KindUserLeft, func(context.Context, events.Envelope) error { return nil })

	assert.Equal(t, 2, r.UnsubscribeRoom("r1"))
	assert.False(t, r.HasRoom("r1"))
	assert.True(t, r.HasRoom("r2"))

	r.Dispatch(context.Background(), envelope("r1", events.KindMessageSent))
	assert.False(t, called)
}

func TestRouter_HandlerErrorDoesNotStopOthers(t *testing.T) {
	r := NewRouter(nil)
	second := false
	r.Subscribe("r1", events.KindError, func(context.Context, events.Envelope) error { return errors.New("boom") })
	r.Subscribe("r1", events.KindError, func(context.Context, events.Envelope) error { second = true; return nil })

	assert.True(t, r.Dispatch(context.Background(), envelope("r1", events.KindError)))
	assert.True(t, second)
}
