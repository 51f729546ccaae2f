// Package session owns the connection to the relay and the rooms joined over it.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/nfrund/roomsync/internal/dispatch"
	"github.com/nfrund/roomsync/internal/domain"
	"github.com/nfrund/roomsync/internal/events"
	"github.com/nfrund/roomsync/internal/store"
	"github.com/nfrund/roomsync/internal/transport"
	"github.com/nfrund/roomsync/internal/typing"
)

// Persistence reads history and room state outside the event channel.
type Persistence interface {
	GetMessages(ctx context.Context, roomID string, page, pageSize int) (store.MessagePage, error)
	GetRoomSnapshot(ctx context.Context, roomID string) (events.RoomSnapshot, error)
}

// ConnectionHandle describes an open connection.
type ConnectionHandle struct {
	ID          string
	URL         string
	ConnectedAt time.Time
}

type options struct {
	transport        transport.Transport
	persistence      Persistence
	media            MediaDevices
	reconnectMin     time.Duration
	reconnectMax     time.Duration
	presenceInterval time.Duration
	typingIdle       time.Duration
	typingTTL        time.Duration
	historyPageSize  int
	now              func() time.Time
	logger           *slog.Logger
	onMessages       func(roomID string)
	onDocument       func(roomID string, state domain.DocumentState)
	onMention        func(roomID string, mention events.Mention)
}

// Option configures a Manager.
type Option func(*options)

// WithTransport replaces the WebSocket transport.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithPersistence enables history paging and REST snapshots.
func WithPersistence(p Persistence) Option {
	return func(o *options) { o.persistence = p }
}

// WithMediaDevices sets the camera and microphone provider.
func WithMediaDevices(m MediaDevices) Option {
	return func(o *options) { o.media = m }
}

// WithReconnectBackoff bounds the delay between reconnect attempts.
func WithReconnectBackoff(min, max time.Duration) Option {
	return func(o *options) {
		o.reconnectMin = min
		o.reconnectMax = max
	}
}

// WithPresenceInterval sets how often online members are re-requested.
// Zero disables polling.
func WithPresenceInterval(d time.Duration) Option {
	return func(o *options) { o.presenceInterval = d }
}

// WithTyping sets the local idle period and the remote typing TTL.
func WithTyping(idle, ttl time.Duration) Option {
	return func(o *options) {
		o.typingIdle = idle
		o.typingTTL = ttl
	}
}

// WithHistoryPageSize sets the page size used by Room.LoadOlder.
func WithHistoryPageSize(n int) Option {
	return func(o *options) { o.historyPageSize = n }
}

// WithOnMessages registers fn to run whenever a room's message log changes.
func WithOnMessages(fn func(roomID string)) Option {
	return func(o *options) { o.onMessages = fn }
}

// WithOnDocument registers fn to run whenever a room's document changes.
func WithOnDocument(fn func(roomID string, state domain.DocumentState)) Option {
	return func(o *options) { o.onDocument = fn }
}

// WithOnMention registers fn to run when another user mentions the local user.
func WithOnMention(fn func(roomID string, mention events.Mention)) Option {
	return func(o *options) { o.onMention = fn }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Manager is one client session: a connection to the relay plus the rooms
// joined over it. Managers are independent of each other.
type Manager struct {
	url    string
	opts   options
	logger *slog.Logger
	router *dispatch.Router

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// connectMu serializes Connect calls so only one dial is in flight.
	connectMu sync.Mutex

	mu        sync.Mutex
	ch        transport.Channel
	handle    *ConnectionHandle
	status    Status
	observers map[int]func(Status)
	nextObs   int
	rooms     map[string]*Room
	closed    bool
	polling   bool
}

// NewManager creates a disconnected session for the relay at url.
func NewManager(url string, opts ...Option) *Manager {
	o := options{
		reconnectMin:     time.Second,
		reconnectMax:     30 * time.Second,
		presenceInterval: 30 * time.Second,
		typingIdle:       typing.DefaultIdle,
		typingTTL:        typing.DefaultTTL,
		historyPageSize:  store.DefaultPageSize,
		now:              time.Now,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "session")
	if o.transport == nil {
		o.transport = transport.NewWebSocket(transport.WithLogger(o.logger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		url:       url,
		opts:      o,
		logger:    logger,
		router:    dispatch.NewRouter(o.logger),
		ctx:       ctx,
		cancel:    cancel,
		status:    StatusDisconnected,
		observers: make(map[int]func(Status)),
		rooms:     make(map[string]*Room),
	}
}

// errAlreadyConnected ends a reconnect loop that another Connect overtook.
var errAlreadyConnected = errors.New("already connected")

// Connect opens the transport channel. A handshake failure is returned as a
// retryable *domain.ConnectionError and leaves the manager disconnected.
// Concurrent calls share one connection.
func (m *Manager) Connect(ctx context.Context) (*ConnectionHandle, error) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrClosed
	}
	if m.handle != nil {
		h := *m.handle
		m.mu.Unlock()
		return &h, nil
	}
	reconnecting := m.status == StatusReconnecting
	m.mu.Unlock()

	if !reconnecting {
		m.setStatus(StatusConnecting)
	}
	ch, err := m.opts.transport.Connect(ctx, m.url)
	if err != nil {
		if !reconnecting {
			m.setStatus(StatusDisconnected)
		}
		m.logger.Warn("Connect failed", "url", m.url, "error", err)
		return nil, err
	}

	h, installed, err := m.install(ch)
	if err != nil {
		return nil, err
	}
	if installed {
		m.startPresencePolling()
		// Rooms joined before a lost connection need a fresh snapshot.
		m.resync()
	}
	return &h, nil
}

// install makes ch the current channel and starts its read loop. When a
// channel is already installed, ch is closed and the current handle is
// returned with installed false.
func (m *Manager) install(ch transport.Channel) (h ConnectionHandle, installed bool, err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = ch.Close()
		return ConnectionHandle{}, false, domain.ErrClosed
	}
	if m.ch != nil {
		h = *m.handle
		m.mu.Unlock()
		_ = ch.Close()
		m.logger.Debug("Discarding surplus connection", "connection_id", h.ID)
		return h, false, nil
	}
	m.ch = ch
	m.handle = &ConnectionHandle{ID: uuid.NewString(), URL: m.url, ConnectedAt: m.opts.now()}
	h = *m.handle
	m.wg.Add(1)
	m.mu.Unlock()

	m.setStatus(StatusConnected)
	m.logger.Info("Connected", "url", m.url, "connection_id", h.ID)
	go m.readLoop(ch)
	return h, true, nil
}

func (m *Manager) connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ch != nil
}

// readLoop routes inbound envelopes until the channel fails.
func (m *Manager) readLoop(ch transport.Channel) {
	defer m.wg.Done()

	for {
		env, err := ch.Receive(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			var connErr *domain.ConnectionError
			if errors.As(err, &connErr) {
				m.connectionLost(ch, err)
				return
			}
			m.logger.Warn("Dropping malformed event", "error", err)
			continue
		}
		m.router.Dispatch(m.ctx, env)
	}
}

// connectionLost reconnects with exponential backoff and asks every joined
// room for a fresh snapshot.
func (m *Manager) connectionLost(lost transport.Channel, cause error) {
	m.mu.Lock()
	if m.closed || m.ch != lost {
		m.mu.Unlock()
		return
	}
	m.ch = nil
	m.handle = nil
	m.mu.Unlock()
	_ = lost.Close()

	m.logger.Warn("Connection lost", "url", m.url, "error", cause)
	m.setStatus(StatusReconnecting)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.reconnectMin
	b.MaxInterval = m.opts.reconnectMax

	ch, err := backoff.Retry(m.ctx, func() (transport.Channel, error) {
		if m.connected() {
			return nil, backoff.Permanent(errAlreadyConnected)
		}
		return m.opts.transport.Connect(m.ctx, m.url)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Debug("Reconnect attempt failed", "retry_in", next, "error", err)
		}))
	if errors.Is(err, errAlreadyConnected) {
		return
	}
	if err != nil {
		// Only a Disconnect ends the retry loop.
		m.setStatus(StatusDisconnected)
		return
	}

	if _, installed, err := m.install(ch); err == nil && installed {
		m.resync()
	}
}

// resync re-joins every room; the relay answers each with a snapshot.
func (m *Manager) resync() {
	for _, r := range m.joinedRooms() {
		r.beginResync()
		if err := r.sendJoin(m.ctx); err != nil {
			m.logger.Warn("Failed to request room snapshot", "room_id", r.id, "error", err)
		}
	}
}

func (m *Manager) startPresencePolling() {
	if m.opts.presenceInterval <= 0 {
		return
	}
	m.mu.Lock()
	if m.polling || m.closed {
		m.mu.Unlock()
		return
	}
	m.polling = true
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.presenceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				for _, r := range m.joinedRooms() {
					if err := r.RefreshPresence(m.ctx); err != nil {
						m.logger.Debug("Presence poll failed", "room_id", r.id, "error", err)
					}
				}
			}
		}
	}()
}

// send writes env to the current channel.
func (m *Manager) send(ctx context.Context, env events.Envelope) error {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	if ch == nil {
		return domain.ErrNotConnected
	}
	return ch.Send(ctx, env)
}

// JoinRoom joins roomID as self and waits for the initial snapshot. While it
// waits the room reports Loading and its reads are empty.
func (m *Manager) JoinRoom(ctx context.Context, roomID string, self domain.Participant) (*Room, error) {
	if roomID == "" || self.UserID == "" {
		return nil, errors.New("room id and user id are required")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrClosed
	}
	if m.ch == nil {
		m.mu.Unlock()
		return nil, domain.ErrNotConnected
	}
	if r, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		return r, r.wait(ctx)
	}
	r := newRoom(m, roomID, self)
	m.rooms[roomID] = r
	m.mu.Unlock()

	r.subscribe()
	if err := r.sendJoin(ctx); err != nil {
		m.forget(r)
		return nil, err
	}
	if err := r.wait(ctx); err != nil {
		m.forget(r)
		return nil, err
	}
	m.logger.Info("Joined room", "room_id", roomID, "user_id", self.UserID)
	return r, nil
}

// Room returns a joined room.
func (m *Manager) Room(roomID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// LeaveRoom unregisters every listener of roomID before returning and then
// tells the relay, ignoring send failures.
func (m *Manager) LeaveRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return domain.ErrRoomNotJoined
	}

	m.forget(r)
	env := events.MustNew(events.KindLeaveRoom, roomID, events.LeaveRoom{})
	if err := m.send(ctx, env); err != nil {
		m.logger.Debug("Leave not delivered", "room_id", roomID, "error", err)
	}
	m.logger.Info("Left room", "room_id", roomID)
	return nil
}

// forget removes r locally: no handler of r runs after it returns.
func (m *Manager) forget(r *Room) {
	m.mu.Lock()
	if cur, ok := m.rooms[r.id]; ok && cur == r {
		delete(m.rooms, r.id)
	}
	m.mu.Unlock()

	m.router.UnsubscribeRoom(r.id)
	r.close()
}

func (m *Manager) joinedRooms() []*Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out
}

// Disconnect leaves every room, closes the channel and stops the reconnect
// loop and all timers. The manager cannot be reused.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, r := range m.joinedRooms() {
		_ = m.LeaveRoom(ctx, r.id)
	}

	m.mu.Lock()
	m.closed = true
	ch := m.ch
	m.ch = nil
	m.handle = nil
	m.mu.Unlock()

	m.cancel()
	if ch != nil {
		_ = ch.Close()
	}
	m.wg.Wait()
	m.setStatus(StatusDisconnected)
	m.logger.Info("Disconnected", "url", m.url)
}

// Status returns the current connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Handle returns the open connection, if any.
func (m *Manager) Handle() (ConnectionHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return ConnectionHandle{}, false
	}
	return *m.handle, true
}

// OnStatus registers fn for status changes and returns a function that
// removes it.
func (m *Manager) OnStatus(fn func(Status)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	if m.status == s {
		m.mu.Unlock()
		return
	}
	m.status = s
	fns := make([]func(Status), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
