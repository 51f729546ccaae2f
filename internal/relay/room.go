package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nfrund/roomsync/internal/domain"
	"github.com/nfrund/roomsync/internal/events"
	"github.com/nfrund/roomsync/internal/presence"
	"github.com/nfrund/roomsync/internal/pubsub"
	"github.com/nfrund/roomsync/internal/store"
)

// roomEvents is the bus event carrying every envelope broadcast in a room.
func roomEvents(roomID string) pubsub.Event[events.Envelope] {
	return pubsub.NewEvent[events.Envelope](pubsub.RoomTopic(roomID))
}

// room is the authoritative state of one room.
//
// mu orders state changes with their publication: the bus only returns from
// Publish once every member connection has the event queued, so a snapshot
// taken under mu is queued after every event it already contains.
type room struct {
	id       string
	server   *Server
	presence *presence.Tracker
	logger   *slog.Logger

	mu  sync.Mutex
	doc domain.DocumentState

	membersMu sync.RWMutex
	members   map[*conn]struct{}
}

// deliver queues a bus message on every member connection.
func (rm *room) deliver(_ context.Context, msg pubsub.Message) error {
	rm.membersMu.RLock()
	defer rm.membersMu.RUnlock()

	for c := range rm.members {
		c.enqueue(msg.Payload)
	}
	return nil
}

func (rm *room) publish(ctx context.Context, sender string, kind events.Kind, payload any) error {
	env, err := events.New(kind, rm.id, payload)
	if err != nil {
		return err
	}
	env.SenderID = sender
	if err := pubsub.Publish(ctx, rm.server.bus, roomEvents(rm.id), sender, env); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}

func (rm *room) addMember(c *conn) {
	rm.membersMu.Lock()
	rm.members[c] = struct{}{}
	rm.membersMu.Unlock()
	c.setJoined(rm, true)
}

func (rm *room) removeMember(c *conn) bool {
	rm.membersMu.Lock()
	_, ok := rm.members[c]
	delete(rm.members, c)
	rm.membersMu.Unlock()
	c.setJoined(rm, false)
	return ok
}

// connected reports whether userID still has a connection in the room.
func (rm *room) connected(userID string) bool {
	rm.membersMu.RLock()
	defer rm.membersMu.RUnlock()
	for c := range rm.members {
		if c.userID == userID {
			return true
		}
	}
	return false
}

func (rm *room) snapshotLocked(ctx context.Context) (events.RoomSnapshot, error) {
	page, err := rm.server.messages.Page(ctx, rm.id, 1, rm.server.window)
	if err != nil {
		return events.RoomSnapshot{}, fmt.Errorf("load recent messages: %w", err)
	}
	doc := rm.doc
	return events.RoomSnapshot{
		Document:     &doc,
		Messages:     page.Messages,
		HasMore:      page.HasMore,
		Participants: rm.presence.Participants(),
	}, nil
}

// join registers c and answers with a snapshot. A join from a connection
// already in the room only re-sends the snapshot.
func (rm *room) join(ctx context.Context, c *conn, p domain.Participant) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.presence.OnUserJoined(p) {
		if err := rm.publish(ctx, p.UserID, events.KindUserJoined, events.UserJoined{Participant: p}); err != nil {
			return err
		}
	}
	rm.addMember(c)

	snap, err := rm.snapshotLocked(ctx)
	if err != nil {
		return err
	}
	c.reply(events.MustNew(events.KindRoomSnapshot, rm.id, snap))
	rm.logger.Info("Member joined", "user_id", p.UserID, "connection_id", c.id)
	return nil
}

// leave removes c. The user goes offline once their last connection is gone.
func (rm *room) leave(ctx context.Context, c *conn, reason string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.leaveLocked(ctx, c, reason)
}

func (rm *room) leaveLocked(ctx context.Context, c *conn, reason string) {
	if !rm.removeMember(c) || rm.connected(c.userID) {
		return
	}
	if !rm.presence.OnUserLeft(c.userID) {
		return
	}
	if err := rm.publish(ctx, c.userID, events.KindUserLeft, events.UserLeft{UserID: c.userID, Reason: reason}); err != nil {
		rm.logger.Warn("Failed to announce departure", "user_id", c.userID, "error", err)
	}
	rm.logger.Info("Member left", "user_id", c.userID, "reason", reason)
}

// apply handles every intent other than join_room.
func (rm *room) apply(ctx context.Context, c *conn, env events.Envelope) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	switch env.Type {
	case events.KindLeaveRoom:
		rm.leaveLocked(ctx, c, "left")
		return nil
	case events.KindSendMessage:
		p, err := decode[events.SendMessage](env)
		if err != nil {
			return err
		}
		return rm.sendMessage(ctx, c.userID, p)
	case events.KindEditMessage:
		p, err := decode[events.EditMessage](env)
		if err != nil {
			return err
		}
		return rm.editMessage(ctx, c.userID, p)
	case events.KindDeleteMessage:
		p, err := decode[events.DeleteMessage](env)
		if err != nil {
			return err
		}
		return rm.deleteMessage(ctx, c.userID, p.MessageID)
	case events.KindToggleReaction:
		p, err := decode[events.ToggleReaction](env)
		if err != nil {
			return err
		}
		return rm.toggleReaction(ctx, c.userID, p)
	case events.KindMarkRead:
		p, err := decode[events.MarkRead](env)
		if err != nil {
			return err
		}
		return rm.markRead(ctx, c.userID, p.MessageID)
	case events.KindEditDocument:
		p, err := decode[events.EditDocument](env)
		if err != nil {
			return err
		}
		return rm.editDocument(ctx, c.userID, p)
	case events.KindMoveCursor:
		p, err := decode[events.MoveCursor](env)
		if err != nil {
			return err
		}
		pos := domain.CursorPosition{Offset: p.Position, UpdatedAtMs: rm.server.now().UnixMilli()}
		rm.presence.SetCursor(c.userID, pos)
		return rm.publish(ctx, c.userID, events.KindCursorMoved, events.CursorMoved{
			UserID:      c.userID,
			Position:    pos.Offset,
			UpdatedAtMs: pos.UpdatedAtMs,
		})
	case events.KindTyping:
		p, err := decode[events.Typing](env)
		if err != nil {
			return err
		}
		rm.presence.SetTyping(c.userID, p.IsTyping, 0)
		handle := c.userID
		if part, ok := rm.presence.Participant(c.userID); ok {
			handle = part.DisplayName()
		}
		return rm.publish(ctx, c.userID, events.KindUserTyping, events.UserTyping{
			UserID:   c.userID,
			Handle:   handle,
			IsTyping: p.IsTyping,
		})
	case events.KindGetOnlineMembers:
		c.reply(events.MustNew(events.KindOnlineMembers, rm.id, events.OnlineMembers{
			Members: rm.presence.Online(),
		}))
		return nil
	}
	return &IntentError{Code: CodeUnknown, Err: fmt.Errorf("unknown event type %q", env.Type)}
}

func decode[T any](env events.Envelope) (T, error) {
	p, err := events.Decode[T](env)
	if err != nil {
		return p, &IntentError{Code: CodeInvalid, Err: err}
	}
	return p, nil
}

// mentionPreviewLen bounds the content carried by a mention notification.
const mentionPreviewLen = 100

func (rm *room) sendMessage(ctx context.Context, sender string, p events.SendMessage) error {
	if strings.TrimSpace(p.Content) == "" {
		return &IntentError{Code: CodeInvalid, Err: domain.ErrEmptyMessage}
	}
	if p.ReplyTo != "" {
		if _, err := rm.server.messages.Get(ctx, rm.id, p.ReplyTo); errors.Is(err, store.ErrNotFound) {
			return &IntentError{Code: CodeNotFound, Err: fmt.Errorf("reply target: %w", domain.ErrMessageNotFound)}
		} else if err != nil {
			return err
		}
	}
	msg := domain.Message{
		ID:        uuid.NewString(),
		LocalID:   p.LocalID,
		RoomID:    rm.id,
		SenderID:  sender,
		Content:   p.Content,
		Type:      p.Type,
		CreatedAt: rm.server.now().UTC(),
		ReplyTo:   p.ReplyTo,
		Mentions:  mentionedUsers(sender, p.Mentions),
		Status:    domain.StatusCommitted,
	}
	if err := rm.server.messages.Append(ctx, msg); err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	if err := rm.publish(ctx, sender, events.KindMessageSent, events.MessageSent{Message: msg}); err != nil {
		return err
	}
	rm.notifyMentions(msg)
	return nil
}

// mentionedUsers drops the sender and repeated ids.
func mentionedUsers(sender string, ids []string) []string {
	var out []string
	seen := map[string]bool{sender: true}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// notifyMentions queues a mention notification on every room connection of
// each mentioned user. It runs after the message itself was published, so the
// notification never arrives before the message it points at.
func (rm *room) notifyMentions(msg domain.Message) {
	if len(msg.Mentions) == 0 {
		return
	}
	preview := msg.Content
	if r := []rune(preview); len(r) > mentionPreviewLen {
		preview = string(r[:mentionPreviewLen])
	}
	env := events.MustNew(events.KindMention, rm.id, events.Mention{
		MessageID: msg.ID,
		FromUser:  msg.SenderID,
		Preview:   preview,
	})
	env.SenderID = msg.SenderID

	mentioned := make(map[string]bool, len(msg.Mentions))
	for _, id := range msg.Mentions {
		mentioned[id] = true
	}
	rm.membersMu.RLock()
	defer rm.membersMu.RUnlock()
	for c := range rm.members {
		if mentioned[c.userID] {
			c.reply(env)
		}
	}
}

// toggleReaction flips the sender's emoji on a message and broadcasts the
// resulting reaction set. Anyone in the room may react.
func (rm *room) toggleReaction(ctx context.Context, userID string, p events.ToggleReaction) error {
	msg, err := rm.server.messages.Get(ctx, rm.id, p.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return &IntentError{Code: CodeNotFound, Err: domain.ErrMessageNotFound}
	}
	if err != nil {
		return err
	}
	if msg.IsDeleted {
		return &IntentError{Code: CodeDeleted, Err: domain.ErrMessageDeleted}
	}
	msg.ToggleReaction(p.Emoji, userID)
	if err := rm.server.messages.Update(ctx, msg); err != nil {
		return fmt.Errorf("store reaction: %w", err)
	}
	reactions := msg.Reactions
	if reactions == nil {
		reactions = map[string][]string{}
	}
	return rm.publish(ctx, userID, events.KindReactionUpdated, events.ReactionUpdated{
		MessageID: msg.ID,
		Reactions: reactions,
		UserID:    userID,
		Emoji:     p.Emoji,
	})
}

// ownMessage loads a message the user may change.
func (rm *room) ownMessage(ctx context.Context, userID, messageID string) (domain.Message, error) {
	msg, err := rm.server.messages.Get(ctx, rm.id, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return msg, &IntentError{Code: CodeNotFound, Err: domain.ErrMessageNotFound}
	}
	if err != nil {
		return msg, err
	}
	if msg.SenderID != userID {
		return msg, &IntentError{Code: CodeForbidden, Err: errors.New("only the sender may change a message")}
	}
	return msg, nil
}

func (rm *room) editMessage(ctx context.Context, userID string, p events.EditMessage) error {
	msg, err := rm.ownMessage(ctx, userID, p.MessageID)
	if err != nil {
		return err
	}
	if msg.IsDeleted {
		return &IntentError{Code: CodeDeleted, Err: domain.ErrMessageDeleted}
	}
	msg.Content = p.Content
	msg.IsEdited = true
	if err := rm.server.messages.Update(ctx, msg); err != nil {
		return fmt.Errorf("store edit: %w", err)
	}
	return rm.publish(ctx, userID, events.KindMessageEdited, events.MessageEdited{
		MessageID: msg.ID,
		Content:   msg.Content,
		EditedBy:  userID,
	})
}

// deleteMessage tombstones a message. Deleting twice is a no-op.
func (rm *room) deleteMessage(ctx context.Context, userID, messageID string) error {
	msg, err := rm.ownMessage(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if msg.IsDeleted {
		return nil
	}
	msg.IsDeleted = true
	msg.Content = domain.DeletedPlaceholder
	if err := rm.server.messages.Update(ctx, msg); err != nil {
		return fmt.Errorf("store delete: %w", err)
	}
	return rm.publish(ctx, userID, events.KindMessageDeleted, events.MessageDeleted{
		MessageID: msg.ID,
		DeletedBy: userID,
	})
}

// markRead records a receipt once per reader.
func (rm *room) markRead(ctx context.Context, userID, messageID string) error {
	msg, err := rm.server.messages.Get(ctx, rm.id, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return &IntentError{Code: CodeNotFound, Err: domain.ErrMessageNotFound}
	}
	if err != nil {
		return err
	}
	if !msg.MarkReadBy(userID) {
		return nil
	}
	if err := rm.server.messages.Update(ctx, msg); err != nil {
		return fmt.Errorf("store receipt: %w", err)
	}
	return rm.publish(ctx, userID, events.KindMessageRead, events.MessageRead{
		MessageID: msg.ID,
		UserID:    userID,
	})
}

// editDocument accepts every edit under last-writer-wins and stamps it with
// the next version.
func (rm *room) editDocument(ctx context.Context, userID string, p events.EditDocument) error {
	version, err := rm.server.seq.Next(ctx, rm.id, rm.doc.Version)
	if err != nil {
		return fmt.Errorf("allocate version: %w", err)
	}
	state := domain.DocumentState{
		Content:          p.Content,
		Version:          version,
		LastModifiedBy:   userID,
		LastModifiedAtMs: rm.server.now().UnixMilli(),
	}
	if err := rm.server.documents.SaveDocument(ctx, rm.id, state); err != nil {
		return fmt.Errorf("store document: %w", err)
	}
	if p.BaseVersion < rm.doc.Version {
		rm.logger.Debug("Edit overwrites newer version",
			"user_id", userID,
			"base_version", p.BaseVersion,
			"current_version", rm.doc.Version)
	}
	rm.doc = state
	return rm.publish(ctx, userID, events.KindDocumentChanged, events.DocumentChanged{
		Content:      state.Content,
		Version:      state.Version,
		ModifiedBy:   userID,
		ModifiedAtMs: state.LastModifiedAtMs,
	})
}
