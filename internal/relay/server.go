// Package relay is the authoritative side of a room: it allocates message ids
// and document versions, keeps the member registry and fans accepted events
// out to every connection in the room.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/roomsync/internal/domain"
	"github.com/nfrund/roomsync/internal/events"
	"github.com/nfrund/roomsync/internal/presence"
	"github.com/nfrund/roomsync/internal/pubsub"
	"github.com/nfrund/roomsync/internal/store"
)

// DefaultSnapshotWindow is how many recent messages a room snapshot carries.
const DefaultSnapshotWindow = 50

// Bus carries room events between the intent handlers and the connections.
type Bus interface {
	pubsub.Publisher
	pubsub.Subscriber
}

// Server holds the rooms of one relay instance.
type Server struct {
	bus       Bus
	messages  store.MessageStore
	documents store.DocumentStore
	seq       Sequencer
	window    int
	now       func() time.Time
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	rooms map[string]*room
	conns map[*conn]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithBus replaces the in-process watermill bus.
func WithBus(b Bus) Option {
	return func(s *Server) { s.bus = b }
}

// WithMessageStore sets where committed messages are kept.
func WithMessageStore(ms store.MessageStore) Option {
	return func(s *Server) { s.messages = ms }
}

// WithDocumentStore sets where document states are kept.
func WithDocumentStore(ds store.DocumentStore) Option {
	return func(s *Server) { s.documents = ds }
}

// WithSequencer sets the document version allocator.
func WithSequencer(seq Sequencer) Option {
	return func(s *Server) { s.seq = seq }
}

// WithSnapshotWindow sets how many messages a snapshot carries.
func WithSnapshotWindow(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.window = n
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a relay. Without options it keeps everything in memory.
func New(opts ...Option) *Server {
	s := &Server{
		window: DefaultSnapshotWindow,
		now:    time.Now,
		logger: slog.Default(),
		rooms:  make(map[string]*room),
		conns:  make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "relay")
	if s.bus == nil {
		s.bus = pubsub.NewWatermillBridge(s.logger)
	}
	if s.messages == nil || s.documents == nil {
		mem := store.NewMemoryStore()
		if s.messages == nil {
			s.messages = mem
		}
		if s.documents == nil {
			s.documents = mem
		}
	}
	if s.seq == nil {
		s.seq = NewMemorySequencer()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Routes registers the WebSocket endpoint and the REST reads on e.
func (s *Server) Routes(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	if e.Validator == nil {
		e.Validator = NewValidator()
	}
	e.GET("/ws", s.HandleWS)
	g := e.Group("/rooms", mw...)
	g.GET("/:id/messages", s.GetMessages)
	g.GET("/:id/snapshot", s.GetSnapshot)
}

// Close drops every connection and stops the room subscriptions.
func (s *Server) Close() error {
	s.cancel()

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeNow()
	}
	return s.bus.Close()
}

// room returns the live state of roomID, loading its document on first use.
func (s *Server) room(ctx context.Context, roomID string) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rm, ok := s.rooms[roomID]; ok {
		return rm, nil
	}

	doc, err := s.documents.LoadDocument(ctx, roomID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load document of room %s: %w", roomID, err)
	}

	rm := &room{
		id:       roomID,
		server:   s,
		doc:      doc,
		members:  make(map[*conn]struct{}),
		presence: presence.NewTracker(roomID, presence.WithLogger(s.logger), presence.WithClock(s.now)),
		logger:   s.logger.With("room_id", roomID),
	}
	if err := s.bus.Subscribe(s.ctx, pubsub.RoomTopic(roomID), rm.deliver); err != nil {
		return nil, fmt.Errorf("subscribe to room %s: %w", roomID, err)
	}
	s.rooms[roomID] = rm
	s.logger.Info("Room opened", "room_id", roomID, "document_version", doc.Version)
	return rm, nil
}

func (s *Server) lookup(roomID string) (*room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[roomID]
	return rm, ok
}

// Snapshot returns the authoritative state of roomID.
func (s *Server) Snapshot(ctx context.Context, roomID string) (events.RoomSnapshot, error) {
	rm, err := s.room(ctx, roomID)
	if err != nil {
		return events.RoomSnapshot{}, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.snapshotLocked(ctx)
}

// History returns one page of roomID's messages, page 1 being the newest.
func (s *Server) History(ctx context.Context, roomID string, page, pageSize int) (store.MessagePage, error) {
	return s.messages.Page(ctx, roomID, page, pageSize)
}

// Online returns the online members of roomID.
func (s *Server) Online(roomID string) []domain.Participant {
	rm, ok := s.lookup(roomID)
	if !ok {
		return nil
	}
	return rm.presence.Online()
}

// handle applies one intent received on c.
func (s *Server) handle(ctx context.Context, c *conn, env events.Envelope) {
	env.SenderID = c.userID

	var err error
	if env.Type == events.KindJoinRoom {
		err = s.join(ctx, c, env)
	} else if rm, ok := c.joined(env.RoomID); ok {
		err = rm.apply(ctx, c, env)
	} else {
		err = &IntentError{Code: CodeNotJoined, Err: domain.ErrRoomNotJoined}
	}
	if err == nil {
		return
	}

	var ie *IntentError
	if !errors.As(err, &ie) {
		s.logger.Error("Failed to apply intent",
			"room_id", env.RoomID,
			"type", env.Type,
			"user_id", c.userID,
			"error", err)
		ie = &IntentError{Code: CodeInternal, Err: err}
	}
	c.reply(events.MustNew(events.KindError, env.RoomID, events.Error{
		Code:    ie.Code,
		Message: ie.Err.Error(),
		Ref:     string(env.Type),
		LocalID: rejectedLocalID(env),
	}))
}

// rejectedLocalID reads the local id of a send_message, even one whose
// payload failed validation, so the client can fail that entry.
func rejectedLocalID(env events.Envelope) string {
	if env.Type != events.KindSendMessage || len(env.Payload) == 0 {
		return ""
	}
	var p struct {
		LocalID string `json:"localId"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return ""
	}
	return p.LocalID
}

func (s *Server) join(ctx context.Context, c *conn, env events.Envelope) error {
	p, err := events.Decode[events.JoinRoom](env)
	if err != nil {
		return &IntentError{Code: CodeInvalid, Err: err}
	}
	rm, err := s.room(ctx, env.RoomID)
	if err != nil {
		return err
	}
	part := p.Participant
	part.UserID = c.userID
	part.Online = true
	return rm.join(ctx, c, part)
}

func (s *Server) register(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

// disconnect removes c from every room it joined.
func (s *Server) disconnect(c *conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, rm := range c.joinedRooms() {
		rm.leave(ctx, c, "disconnected")
	}

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.closeSend()
}

// Intent error codes sent in events.Error.
const (
	CodeInvalid   = "invalid"
	CodeNotJoined = "not_joined"
	CodeNotFound  = "not_found"
	CodeDeleted   = "deleted"
	CodeForbidden = "forbidden"
	CodeUnknown   = "unknown_type"
	CodeInternal  = "internal"
)

// IntentError is a rejected intent reported back to its sender.
type IntentError struct {
	Code string
	Err  error
}

func (e *IntentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

// Unwrap returns the underlying error.
func (e *IntentError) Unwrap() error {
	return e.Err
}
