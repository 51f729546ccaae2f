package store

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/nfrund/roomsync/internal/domain"
)

const (
	messageTable  = "message"
	documentTable = "document"
)

// SurrealConfig holds the connection settings of a SurrealDB store.
type SurrealConfig struct {
	URL       string
	Namespace string
	Database  string
	User      string
	Pass      string
	// ConnectTimeout bounds the total time spent retrying the first connection.
	ConnectTimeout time.Duration
}

// SurrealStore persists messages and documents in SurrealDB.
type SurrealStore struct {
	db     *surrealdb.DB
	logger *slog.Logger
}

var (
	_ MessageStore  = (*SurrealStore)(nil)
	_ DocumentStore = (*SurrealStore)(nil)
)

// messageRecord is the stored shape of a domain.Message.
type messageRecord struct {
	ID        *surrealmodels.RecordID      `json:"id,omitempty"`
	MessageID string                       `json:"messageId"`
	LocalID   string                       `json:"localId,omitempty"`
	RoomID    string                       `json:"roomId"`
	SenderID  string                       `json:"senderId"`
	Content   string                       `json:"content"`
	Type      string                       `json:"type"`
	CreatedAt surrealmodels.CustomDateTime `json:"createdAt"`
	IsDeleted bool                         `json:"isDeleted"`
	IsEdited  bool                         `json:"isEdited"`
	ReadBy    []string                     `json:"readBy"`
	ReplyTo   string                       `json:"replyTo,omitempty"`
	Mentions  []string                     `json:"mentions,omitempty"`
	Reactions map[string][]string          `json:"reactions,omitempty"`
}

func toRecord(m domain.Message) map[string]any {
	return map[string]any{
		"messageId": m.ID,
		"localId":   m.LocalID,
		"roomId":    m.RoomID,
		"senderId":  m.SenderID,
		"content":   m.Content,
		"type":      string(m.Type),
		"createdAt": surrealmodels.CustomDateTime{Time: m.CreatedAt.UTC()},
		"isDeleted": m.IsDeleted,
		"isEdited":  m.IsEdited,
		"readBy":    m.Readers(),
		"replyTo":   m.ReplyTo,
		"mentions":  m.Mentions,
		"reactions": m.Reactions,
	}
}

func (r messageRecord) toDomain() domain.Message {
	msg := domain.Message{
		ID:        r.MessageID,
		LocalID:   r.LocalID,
		RoomID:    r.RoomID,
		SenderID:  r.SenderID,
		Content:   r.Content,
		Type:      domain.MessageType(r.Type),
		CreatedAt: r.CreatedAt.Time,
		IsDeleted: r.IsDeleted,
		IsEdited:  r.IsEdited,
		ReplyTo:   r.ReplyTo,
		Mentions:  r.Mentions,
		Reactions: r.Reactions,
		Status:    domain.StatusCommitted,
	}
	for _, id := range r.ReadBy {
		msg.MarkReadBy(id)
	}
	return msg
}

type documentRecord struct {
	ID               *surrealmodels.RecordID `json:"id,omitempty"`
	RoomID           string                  `json:"roomId"`
	Content          string                  `json:"content"`
	Version          int64                   `json:"version"`
	LastModifiedBy   string                  `json:"lastModifiedBy"`
	LastModifiedAtMs int64                   `json:"lastModifiedAtMs"`
}

// ConnectSurreal dials SurrealDB, signs in and selects the namespace and
// database. Failed attempts are retried with exponential backoff until
// ConnectTimeout elapses.
func ConnectSurreal(ctx context.Context, cfg SurrealConfig, logger *slog.Logger) (*SurrealStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "surreal_store")
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	connect := func() (*surrealdb.DB, error) {
		conn, err := surrealdb.FromEndpointURLString(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database at %s: %w", redactURL(cfg.URL), err)
		}
		if _, err := conn.SignIn(ctx, &surrealdb.Auth{Username: cfg.User, Password: cfg.Pass}); err != nil {
			conn.Close(ctx)
			return nil, fmt.Errorf("failed to sign in: %w", err)
		}
		if err := conn.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
			conn.Close(ctx)
			return nil, fmt.Errorf("failed to use namespace/db: %w", err)
		}
		return conn, nil
	}

	db, err := backoff.Retry(ctx, connect,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("Database connection attempt failed",
				"db_url", redactURL(cfg.URL),
				"retry_in", next,
				"error", err)
		}))
	if err != nil {
		return nil, err
	}

	logger.Info("Database connection established",
		"db_url", redactURL(cfg.URL),
		"namespace", cfg.Namespace,
		"database", cfg.Database)
	return &SurrealStore{db: db, logger: logger}, nil
}

// Close closes the connection.
func (s *SurrealStore) Close(ctx context.Context) error {
	return s.db.Close(ctx)
}

// query runs a SurrealQL statement and returns the rows of its first result.
func query[T any](ctx context.Context, db *surrealdb.DB, q string, params map[string]any) ([]T, error) {
	results, err := surrealdb.Query[[]T](ctx, db, q, params)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	return (*results)[0].Result, nil
}

// Append creates a message record keyed by the message id.
func (s *SurrealStore) Append(ctx context.Context, msg domain.Message) error {
	_, err := query[messageRecord](ctx, s.db,
		"CREATE type::thing($tb, $id) CONTENT $msg",
		map[string]any{"tb": messageTable, "id": msg.ID, "msg": toRecord(msg)})
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// Update merges the mutable fields of msg into its record.
func (s *SurrealStore) Update(ctx context.Context, msg domain.Message) error {
	rows, err := query[messageRecord](ctx, s.db,
		"UPDATE type::thing($tb, $id) MERGE $patch RETURN AFTER",
		map[string]any{
			"tb": messageTable,
			"id": msg.ID,
			"patch": map[string]any{
				"content":   msg.Content,
				"isDeleted": msg.IsDeleted,
				"isEdited":  msg.IsEdited,
				"readBy":    msg.Readers(),
				"reactions": msg.Reactions,
			},
		})
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads one message.
func (s *SurrealStore) Get(ctx context.Context, roomID, messageID string) (domain.Message, error) {
	rows, err := query[messageRecord](ctx, s.db,
		"SELECT * FROM type::thing($tb, $id) WHERE roomId = $room",
		map[string]any{"tb": messageTable, "id": messageID, "room": roomID})
	if err != nil {
		return domain.Message{}, err
	}
	if len(rows) == 0 {
		return domain.Message{}, ErrNotFound
	}
	return rows[0].toDomain(), nil
}

// Page returns one page of history, newest page first.
func (s *SurrealStore) Page(ctx context.Context, roomID string, page, pageSize int) (MessagePage, error) {
	page, pageSize = normalizePage(page, pageSize)

	// One extra row tells whether an older page exists.
	rows, err := query[messageRecord](ctx, s.db,
		"SELECT * FROM message WHERE roomId = $room ORDER BY createdAt DESC LIMIT $limit START $start",
		map[string]any{"room": roomID, "limit": pageSize + 1, "start": (page - 1) * pageSize})
	if err != nil {
		return MessagePage{}, err
	}

	hasMore := len(rows) > pageSize
	if hasMore {
		rows = rows[:pageSize]
	}
	msgs := make([]domain.Message, len(rows))
	for i, r := range rows {
		msgs[len(rows)-1-i] = r.toDomain()
	}
	return MessagePage{Messages: msgs, Page: page, PageSize: pageSize, HasMore: hasMore}, nil
}

// LoadDocument returns the stored document, or a zero state.
func (s *SurrealStore) LoadDocument(ctx context.Context, roomID string) (domain.DocumentState, error) {
	rows, err := query[documentRecord](ctx, s.db,
		"SELECT * FROM type::thing($tb, $room)",
		map[string]any{"tb": documentTable, "room": roomID})
	if err != nil {
		return domain.DocumentState{}, err
	}
	if len(rows) == 0 {
		return domain.DocumentState{}, nil
	}
	r := rows[0]
	return domain.DocumentState{
		Content:          r.Content,
		Version:          r.Version,
		LastModifiedBy:   r.LastModifiedBy,
		LastModifiedAtMs: r.LastModifiedAtMs,
	}, nil
}

// SaveDocument upserts the document unless a newer version is stored.
func (s *SurrealStore) SaveDocument(ctx context.Context, roomID string, state domain.DocumentState) error {
	rows, err := query[documentRecord](ctx, s.db,
		"UPSERT type::thing($tb, $room) CONTENT $doc WHERE version = NONE OR version <= $doc.version",
		map[string]any{
			"tb":   documentTable,
			"room": roomID,
			"doc": map[string]any{
				"roomId":           roomID,
				"content":          state.Content,
				"version":          state.Version,
				"lastModifiedBy":   state.LastModifiedBy,
				"lastModifiedAtMs": state.LastModifiedAtMs,
			},
		})
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	if len(rows) == 0 {
		return domain.ErrStaleUpdate
	}
	return nil
}

// redactURL strips credentials from a connection URL for logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	if u.User != nil {
		u.User = url.User("redacted")
	}
	return u.String()
}
