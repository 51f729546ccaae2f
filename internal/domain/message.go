package domain

import (
	"sort"
	"time"
)

// MessageType is the kind of content a chat message carries.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

// MessageStatus tracks where a message is in its local lifecycle.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusCommitted MessageStatus = "committed"
	StatusFailed    MessageStatus = "failed"
)

// DeletedPlaceholder replaces the displayed content of a soft-deleted message.
const DeletedPlaceholder = "This message has been deleted"

// Message is a single chat message. ID is assigned by the server; LocalID is the
// temporary id used while the message is pending. Reactions maps an emoji to
// the sorted ids of the users who chose it.
type Message struct {
	ID        string              `json:"id,omitempty"`
	LocalID   string              `json:"localId,omitempty"`
	RoomID    string              `json:"roomId"`
	SenderID  string              `json:"senderId"`
	Content   string              `json:"content"`
	Type      MessageType         `json:"type"`
	CreatedAt time.Time           `json:"createdAt"`
	IsDeleted bool                `json:"isDeleted"`
	IsEdited  bool                `json:"isEdited"`
	ReadBy    map[string]bool     `json:"readBy,omitempty"`
	ReplyTo   string              `json:"replyTo,omitempty"`
	Mentions  []string            `json:"mentions,omitempty"`
	Reactions map[string][]string `json:"reactions,omitempty"`
	Status    MessageStatus       `json:"-"`
	SendError error               `json:"-"`
}

// Key returns the server id if committed, otherwise the local id.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.LocalID
}

// MarkReadBy adds userID to the read set. It reports whether the set changed.
func (m *Message) MarkReadBy(userID string) bool {
	if m.ReadBy == nil {
		m.ReadBy = make(map[string]bool)
	}
	if m.ReadBy[userID] {
		return false
	}
	m.ReadBy[userID] = true
	return true
}

// Readers returns the read set as a sorted slice.
func (m *Message) Readers() []string {
	out := make([]string, 0, len(m.ReadBy))
	for id := range m.ReadBy {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ToggleReaction adds userID to the users of emoji, or removes it if already
// there. An emoji nobody uses any more is dropped. It reports whether the
// reaction was added.
func (m *Message) ToggleReaction(emoji, userID string) bool {
	users := m.Reactions[emoji]
	for i, id := range users {
		if id == userID {
			users = append(users[:i:i], users[i+1:]...)
			if len(users) == 0 {
				delete(m.Reactions, emoji)
			} else {
				m.Reactions[emoji] = users
			}
			return false
		}
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	users = append(users, userID)
	sort.Strings(users)
	m.Reactions[emoji] = users
	return true
}

// Clone returns a deep copy so callers cannot mutate reconciler state.
func (m Message) Clone() Message {
	if m.ReadBy != nil {
		readBy := make(map[string]bool, len(m.ReadBy))
		for k, v := range m.ReadBy {
			readBy[k] = v
		}
		m.ReadBy = readBy
	}
	if m.Mentions != nil {
		m.Mentions = append([]string(nil), m.Mentions...)
	}
	m.Reactions = CloneReactions(m.Reactions)
	return m
}

// CloneReactions deep-copies a reaction map.
func CloneReactions(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for emoji, users := range in {
		out[emoji] = append([]string(nil), users...)
	}
	return out
}
