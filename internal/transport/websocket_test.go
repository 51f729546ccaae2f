package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/roomsync/internal/domain"
	"github.com/nfrund/roomsync/internal/events"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// echoServer writes every received frame back to the sender.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocket_RoundTrip(t *testing.T) {
	srv := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := NewWebSocket().Connect(ctx, wsURL(srv))
	require.NoError(t, err)
	defer ch.Close()

	sent := events.MustNew(events.KindTyping, "r1", events.Typing{IsTyping: true})
	require.NoError(t, ch.Send(ctx, sent))

	got, err := ch.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, events.KindTyping, got.Type)
	assert.Equal(t, "r1", got.RoomID)

	payload, err := events.Decode[events.Typing](got)
	require.NoError(t, err)
	assert.True(t, payload.IsTyping)
}

func TestWebSocket_HandshakeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	tr := NewWebSocket(WithHandshakeTimeout(50 * time.Millisecond))
	start := time.Now()
	_, err := tr.Connect(context.Background(), wsURL(srv))

	var connErr *domain.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "dial", connErr.Op)
	assert.True(t, domain.IsRetryable(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWebSocket_ServerCloseSurfacesConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusGoingAway, "bye")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := NewWebSocket().Connect(ctx, wsURL(srv))
	require.NoError(t, err)

	_, err = ch.Receive(ctx)
	var connErr *domain.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "read", connErr.Op)

	assert.ErrorIs(t, ch.Send(ctx, events.MustNew(events.KindTyping, "r1", events.Typing{})), domain.ErrNotConnected)
	assert.NoError(t, ch.Close())
	assert.NoError(t, ch.Close())
}

func TestWebSocket_MalformedFrameIsNotAConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":""}`))
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := NewWebSocket().Connect(ctx, wsURL(srv))
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.Receive(ctx)
	require.Error(t, err)
	var connErr *domain.ConnectionError
	assert.False(t, errors.As(err, &connErr))
}
