// Package store persists chat messages and document snapshots for the relay,
// and reads them back over REST for clients.
package store

import (
	"context"
	"errors"

	"github.com/nfrund/roomsync/internal/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// DefaultPageSize is used when a caller asks for a non-positive page size.
const DefaultPageSize = 50

// MessagePage is one page of a room's history. Page 1 holds the newest
// messages; messages inside a page are in chronological order.
type MessagePage struct {
	Messages []domain.Message `json:"messages"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
	HasMore  bool             `json:"hasMore"`
}

// MessageStore keeps the committed messages of every room.
type MessageStore interface {
	Append(ctx context.Context, msg domain.Message) error
	Update(ctx context.Context, msg domain.Message) error
	Get(ctx context.Context, roomID, messageID string) (domain.Message, error)
	Page(ctx context.Context, roomID string, page, pageSize int) (MessagePage, error)
}

// DocumentStore keeps the latest document state of every room.
type DocumentStore interface {
	LoadDocument(ctx context.Context, roomID string) (domain.DocumentState, error)
	SaveDocument(ctx context.Context, roomID string, state domain.DocumentState) error
}

// normalizePage clamps page and pageSize to usable values.
func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return page, pageSize
}
