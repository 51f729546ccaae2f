package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nfrund/roomsync/internal/domain"
	"github.com/nfrund/roomsync/internal/events"
)

const (
	// DefaultHandshakeTimeout bounds the opening handshake.
	DefaultHandshakeTimeout = 10 * time.Second
	sendBuffer              = 256
	writeTimeout            = 10 * time.Second
	readLimit               = 4 << 20
)

// WebSocket dials channels with github.com/coder/websocket.
type WebSocket struct {
	handshakeTimeout time.Duration
	header           http.Header
	logger           *slog.Logger
}

// Option configures a WebSocket transport.
type Option func(*WebSocket)

// WithHandshakeTimeout sets how long Connect waits for the handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(w *WebSocket) {
		if d > 0 {
			w.handshakeTimeout = d
		}
	}
}

// WithHeader adds headers to the upgrade request.
func WithHeader(h http.Header) Option {
	return func(w *WebSocket) {
		w.header = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *WebSocket) {
		w.logger = l
	}
}

// NewWebSocket creates a WebSocket transport.
func NewWebSocket(opts ...Option) *WebSocket {
	w := &WebSocket{
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "transport")
	return w
}

// Connect dials url. A handshake that does not finish within the timeout
// fails with a retryable *domain.ConnectionError.
func (w *WebSocket) Connect(ctx context.Context, url string) (Channel, error) {
	dialCtx, cancel := context.WithTimeout(ctx, w.handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{HTTPHeader: w.header})
	if err != nil {
		return nil, &domain.ConnectionError{Op: "dial", URL: url, Err: err}
	}
	conn.SetReadLimit(readLimit)

	ch := &wsChannel{
		conn:   conn,
		url:    url,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: w.logger.With("url", url),
	}
	go ch.writePump()
	w.logger.Debug("Connected", "url", url)
	return ch, nil
}

type wsChannel struct {
	conn   *websocket.Conn
	url    string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (c *wsChannel) Send(_ context.Context, env events.Envelope) error {
	data, err := events.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return domain.ErrNotConnected
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return domain.ErrNotConnected
	default:
		return fmt.Errorf("send buffer full: %w", domain.ErrNotConnected)
	}
}

func (c *wsChannel) Receive(ctx context.Context) (events.Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.shutdown()
		if ctx.Err() != nil {
			return events.Envelope{}, ctx.Err()
		}
		return events.Envelope{}, &domain.ConnectionError{Op: "read", URL: c.url, Err: err}
	}
	return events.Unmarshal(data)
}

func (c *wsChannel) Close() error {
	c.shutdown()
	if err := c.conn.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
		c.logger.Debug("Close handshake failed", "error", err)
	}
	return nil
}

func (c *wsChannel) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// writePump drains the send buffer onto the connection.
func (c *wsChannel) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Warn("WebSocket write error", "error", err)
				c.shutdown()
				_ = c.conn.CloseNow()
				return
			}
		}
	}
}
