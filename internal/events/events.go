// Package events defines the event vocabulary exchanged over the transport
// channel and the JSON envelope that carries it.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nfrund/roomsync/internal/domain"
)

// Kind names an event type. Every envelope is routed by RoomID and Kind.
type Kind string

// Server to client events.
const (
	KindDocumentState   Kind = "document_state"
	KindDocumentChanged Kind = "document_changed"
	KindCursorMoved     Kind = "cursor_moved"
	KindUserTyping      Kind = "user_typing"
	KindMessageSent     Kind = "message_sent"
	KindMessageRead     Kind = "message_read"
	KindMessageDeleted  Kind = "message_deleted"
	KindMessageEdited   Kind = "message_edited"
	KindReactionUpdated Kind = "reaction_updated"
	KindMention         Kind = "mention_notification"
	KindUserJoined      Kind = "user_joined"
	KindUserLeft        Kind = "user_left"
	KindRoomSnapshot    Kind = "room_snapshot"
	KindOnlineMembers   Kind = "online_members"
	KindError           Kind = "error"
)

// Client to server intents.
const (
	KindJoinRoom         Kind = "join_room"
	KindLeaveRoom        Kind = "leave_room"
	KindSendMessage      Kind = "send_message"
	KindEditMessage      Kind = "edit_message"
	KindDeleteMessage    Kind = "delete_message"
	KindMarkRead         Kind = "mark_read"
	KindToggleReaction   Kind = "toggle_reaction"
	KindEditDocument     Kind = "edit_document"
	KindMoveCursor       Kind = "move_cursor"
	KindTyping           Kind = "typing"
	KindGetOnlineMembers Kind = "get_online_members"
)

// Envelope is the unit of delivery on the transport channel.
type Envelope struct {
	Type     Kind            `json:"type" validate:"required"`
	RoomID   string          `json:"roomId" validate:"required"`
	SenderID string          `json:"senderId,omitempty"`
	SentAt   time.Time       `json:"sentAt,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// DocumentChanged is broadcast for every accepted document edit.
type DocumentChanged struct {
	Content      string `json:"content"`
	Version      int64  `json:"version" validate:"gte=0"`
	ModifiedBy   string `json:"modifiedBy"`
	ModifiedAtMs int64  `json:"modifiedAtMs,omitempty"`
}

// State converts the event to the document state it describes.
func (d DocumentChanged) State() domain.DocumentState {
	return domain.DocumentState{
		Content:          d.Content,
		Version:          d.Version,
		LastModifiedBy:   d.ModifiedBy,
		LastModifiedAtMs: d.ModifiedAtMs,
	}
}

// DocumentStatePayload carries a full document snapshot.
type DocumentStatePayload struct {
	Document domain.DocumentState `json:"document"`
}

// CursorMoved reports a remote caret position.
type CursorMoved struct {
	UserID      string `json:"userId" validate:"required"`
	Position    int    `json:"position" validate:"gte=0"`
	UpdatedAtMs int64  `json:"updatedAtMs,omitempty"`
}

// UserTyping toggles a typing indicator.
type UserTyping struct {
	UserID   string `json:"userId" validate:"required"`
	Handle   string `json:"handle,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// MessageSent carries a committed message.
type MessageSent struct {
	Message domain.Message `json:"message"`
}

// MessageRead is a read receipt.
type MessageRead struct {
	MessageID string `json:"messageId" validate:"required"`
	UserID    string `json:"userId" validate:"required"`
}

// MessageDeleted tombstones a message.
type MessageDeleted struct {
	MessageID string `json:"messageId" validate:"required"`
	DeletedBy string `json:"deletedBy,omitempty"`
}

// MessageEdited replaces a message's content.
type MessageEdited struct {
	MessageID string `json:"messageId" validate:"required"`
	Content   string `json:"content" validate:"required"`
	EditedBy  string `json:"editedBy,omitempty"`
}

// ReactionUpdated carries the full reaction set of a message after a toggle.
type ReactionUpdated struct {
	MessageID string              `json:"messageId" validate:"required"`
	Reactions map[string][]string `json:"reactions"`
	UserID    string              `json:"userId,omitempty"`
	Emoji     string              `json:"emoji,omitempty"`
}

// Mention is sent only to the connections of a mentioned user.
type Mention struct {
	MessageID string `json:"messageId" validate:"required"`
	FromUser  string `json:"fromUser"`
	Preview   string `json:"preview"`
}

// UserJoined announces a participant.
type UserJoined struct {
	Participant domain.Participant `json:"participant"`
}

// UserLeft announces a departure.
type UserLeft struct {
	UserID string `json:"userId" validate:"required"`
	Reason string `json:"reason,omitempty"`
}

// RoomSnapshot is the authoritative state sent in reply to a join or resync.
type RoomSnapshot struct {
	Document     *domain.DocumentState `json:"document,omitempty"`
	Messages     []domain.Message      `json:"messages"`
	HasMore      bool                  `json:"hasMore"`
	Participants []domain.Participant  `json:"participants"`
}

// OnlineMembers is the authoritative presence snapshot.
type OnlineMembers struct {
	Members []domain.Participant `json:"members"`
}

// Error reports a rejected intent. LocalID names the optimistic message a
// rejected send_message belonged to.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
	LocalID string `json:"localId,omitempty"`
}

// JoinRoom asks the server to add the sender to a room.
type JoinRoom struct {
	Participant domain.Participant `json:"participant"`
}

// LeaveRoom asks the server to remove the sender from a room.
type LeaveRoom struct{}

// SendMessage is an optimistic chat message.
type SendMessage struct {
	LocalID  string             `json:"localId,omitempty"`
	Content  string             `json:"content" validate:"required"`
	Type     domain.MessageType `json:"type" validate:"required,oneof=text image file system"`
	ReplyTo  string             `json:"replyTo,omitempty"`
	Mentions []string           `json:"mentions,omitempty" validate:"max=50,dive,required"`
}

// EditMessage asks to replace a message's content.
type EditMessage struct {
	MessageID string `json:"messageId" validate:"required"`
	Content   string `json:"content" validate:"required"`
}

// DeleteMessage asks to tombstone a message.
type DeleteMessage struct {
	MessageID string `json:"messageId" validate:"required"`
}

// MarkRead is an outbound read receipt.
type MarkRead struct {
	MessageID string `json:"messageId" validate:"required"`
}

// ToggleReaction adds or removes the sender's reaction to a message.
type ToggleReaction struct {
	MessageID string `json:"messageId" validate:"required"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

// EditDocument submits new content based on the version the client last applied.
type EditDocument struct {
	Content     string `json:"content"`
	BaseVersion int64  `json:"baseVersion" validate:"gte=0"`
}

// MoveCursor reports the local caret position.
type MoveCursor struct {
	Position int `json:"position" validate:"gte=0"`
}

// Typing reports the local typing state.
type Typing struct {
	IsTyping bool `json:"isTyping"`
}

// GetOnlineMembers requests an authoritative presence snapshot.
type GetOnlineMembers struct{}

// New builds an envelope around a typed payload.
func New[T any](kind Kind, roomID string, payload T) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{
		Type:    kind,
		RoomID:  roomID,
		SentAt:  time.Now().UTC(),
		Payload: data,
	}, nil
}

// MustNew is New for payloads that cannot fail to marshal.
func MustNew[T any](kind Kind, roomID string, payload T) Envelope {
	env, err := New(kind, roomID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals and validates the payload of env.
func Decode[T any](env Envelope) (T, error) {
	var payload T
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return payload, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}
	if err := Validate(payload); err != nil {
		return payload, fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	return payload, nil
}

// Marshal encodes an envelope for the wire.
func Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Unmarshal decodes and validates an envelope from the wire.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if err := Validate(env); err != nil {
		return env, fmt.Errorf("invalid envelope: %w", err)
	}
	return env, nil
}
