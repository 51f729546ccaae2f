package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/roomsync/internal/events"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	readLimit    = 4 << 20
)

// conn is one WebSocket connection of a user.
type conn struct {
	id     string
	userID string
	ws     *websocket.Conn
	logger *slog.Logger

	mu    sync.RWMutex
	send  chan []byte
	rooms map[string]*room

	// evict drops the connection; the client reconnects and resyncs.
	evict     func()
	evictOnce sync.Once
}

// HandleWS upgrades the request and serves the connection until it closes.
// The user is identified by the "user" query parameter.
func (s *Server) HandleWS(c echo.Context) error {
	userID := c.QueryParam("user")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "user parameter required",
		})
	}

	ws, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error("Failed to upgrade connection to WebSocket", "error", err)
		return err
	}
	ws.SetReadLimit(readLimit)

	cn := &conn{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		rooms:  make(map[string]*room),
	}
	cn.logger = s.logger.With("user_id", userID, "connection_id", cn.id)
	cn.evict = cn.closeNow
	s.register(cn)
	cn.logger.Info("Client connected")

	go cn.writePump(cn.send)
	s.readPump(cn)
	return nil
}

// readPump applies intents until the connection fails or the relay closes.
func (s *Server) readPump(c *conn) {
	defer func() {
		s.disconnect(c)
		c.ws.Close(websocket.StatusNormalClosure, "Server-side cleanup")
	}()

	for {
		_, data, err := c.ws.Read(s.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				c.logger.Info("WebSocket closed normally by client")
			case errors.Is(err, io.EOF) || s.ctx.Err() != nil:
				c.logger.Debug("WebSocket closed", "error", err)
			default:
				c.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		env, err := events.Unmarshal(data)
		if err != nil {
			c.logger.Debug("Rejecting malformed envelope", "error", err)
			c.reply(events.MustNew(events.KindError, env.RoomID, events.Error{
				Code:    CodeInvalid,
				Message: err.Error(),
			}))
			continue
		}
		s.handle(s.ctx, c, env)
	}
}

// writePump drains send to the socket until send is closed.
func (c *conn) writePump(send <-chan []byte) {
	for data := range send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.ws.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			c.logger.Warn("WebSocket write error", "error", err)
			c.ws.CloseNow()
			return
		}
	}
}

// enqueue hands data to the write pump without blocking. A client whose
// buffer is full has missed an event, so its connection is closed; the
// reconnect snapshot brings it back in line.
func (c *conn) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.send == nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.evictOnce.Do(func() {
			c.logger.Warn("Client send channel full, closing connection", "buffer", cap(c.send))
			go c.evict()
		})
		return false
	}
}

func (c *conn) reply(env events.Envelope) {
	data, err := events.Marshal(env)
	if err != nil {
		c.logger.Error("Failed to encode reply", "type", env.Type, "error", err)
		return
	}
	c.enqueue(data)
}

func (c *conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
}

func (c *conn) closeNow() {
	c.ws.CloseNow()
}

func (c *conn) joined(roomID string) (*room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rm, ok := c.rooms[roomID]
	return rm, ok
}

func (c *conn) setJoined(rm *room, joined bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if joined {
		c.rooms[rm.id] = rm
	} else {
		delete(c.rooms, rm.id)
	}
}

func (c *conn) joinedRooms() []*room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*room, 0, len(c.rooms))
	for _, rm := range c.rooms {
		out = append(out, rm)
	}
	return out
}
