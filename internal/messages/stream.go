// Package messages reconciles the chat message log of a room: optimistic local
// sends, server echoes, edits, soft deletes and read receipts.
package messages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nfrund/roomsync/internal/domain"
	"github.com/nfrund/roomsync/internal/events"
)

// Outbox delivers intents to the server. Implementations must not block on
// the network.
type Outbox interface {
	Send(ctx context.Context, env events.Envelope) error
}

// Stream is the ordered, deduplicated message log of one room. Order is
// arrival order: remote messages are appended at the tail, never sorted by
// timestamp.
type Stream struct {
	mu         sync.Mutex
	roomID     string
	self       string
	entries    []*domain.Message
	byID       map[string]*domain.Message
	byLocal    map[string]*domain.Message
	tombstones map[string]bool // deletes that arrived before their message
	marked     map[string]bool // read receipts already sent this session
	hasMore    bool

	outbox   Outbox
	newID    func() string
	now      func() time.Time
	onChange func()
	logger   *slog.Logger
}

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) {
		s.logger = l
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Stream) {
		s.now = now
	}
}

// WithIDGenerator replaces the local id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Stream) {
		s.newID = fn
	}
}

// WithOnChange registers a callback run after every visible change.
func WithOnChange(fn func()) Option {
	return func(s *Stream) {
		s.onChange = fn
	}
}

// SendOption sets optional fields of an outgoing message.
type SendOption func(*domain.Message)

// InReplyTo marks the message as a reply to messageID.
func InReplyTo(messageID string) SendOption {
	return func(m *domain.Message) {
		m.ReplyTo = messageID
	}
}

// Mentioning replaces the mentions parsed from the content with userIDs.
func Mentioning(userIDs ...string) SendOption {
	return func(m *domain.Message) {
		m.Mentions = userIDs
	}
}

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// ParseMentions returns the distinct user ids written as @id in content,
// in order of first appearance.
func ParseMentions(content string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// NewStream creates an empty log for roomID on behalf of selfID.
func NewStream(roomID, selfID string, outbox Outbox, opts ...Option) *Stream {
	s := &Stream{
		roomID:     roomID,
		self:       selfID,
		byID:       make(map[string]*domain.Message),
		byLocal:    make(map[string]*domain.Message),
		tombstones: make(map[string]bool),
		marked:     make(map[string]bool),
		outbox:     outbox,
		newID:      func() string { return "local-" + uuid.NewString() },
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "messages", "room_id", roomID)
	return s
}

// AppendLocal optimistically appends a pending message and sends it. The
// local id is returned even when the send fails; in that case the entry is
// marked failed and the returned error is a *domain.SendFailure. Blank
// content is refused without touching the log.
func (s *Stream) AppendLocal(ctx context.Context, content string, typ domain.MessageType, opts ...SendOption) (string, error) {
	if typ == "" {
		typ = domain.MessageText
	}
	if !typ.Valid() {
		return "", fmt.Errorf("unknown message type %q", typ)
	}
	if strings.TrimSpace(content) == "" {
		return "", domain.ErrEmptyMessage
	}

	s.mu.Lock()
	msg := &domain.Message{
		LocalID:   s.newID(),
		RoomID:    s.roomID,
		SenderID:  s.self,
		Content:   content,
		Type:      typ,
		CreatedAt: s.now().UTC(),
		Mentions:  s.withoutSelf(ParseMentions(content)),
		Status:    domain.StatusPending,
	}
	for _, opt := range opts {
		opt(msg)
	}
	s.entries = append(s.entries, msg)
	s.byLocal[msg.LocalID] = msg
	localID := msg.LocalID
	s.mu.Unlock()
	s.changed()

	return localID, s.sendPending(ctx, localID)
}

// sendPending transmits the pending entry localID and records a failure.
func (s *Stream) sendPending(ctx context.Context, localID string) error {
	s.mu.Lock()
	msg, ok := s.byLocal[localID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrMessageNotFound
	}
	intent := events.SendMessage{
		LocalID:  msg.LocalID,
		Content:  msg.Content,
		Type:     msg.Type,
		ReplyTo:  msg.ReplyTo,
		Mentions: msg.Mentions,
	}
	s.mu.Unlock()

	env, err := events.New(events.KindSendMessage, s.roomID, intent)
	if err == nil {
		err = s.outbox.Send(ctx, env)
	}
	if err == nil {
		return nil
	}

	failure := &domain.SendFailure{LocalID: localID, Kind: string(events.KindSendMessage), Err: err}
	s.mu.Lock()
	// The echo may have committed the entry while the send was failing.
	if msg.Status == domain.StatusPending {
		msg.Status = domain.StatusFailed
		msg.SendError = failure
	}
	s.mu.Unlock()
	s.logger.Warn("Failed to send message", "local_id", localID, "error", err)
	s.changed()
	return failure
}

func (s *Stream) withoutSelf(ids []string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != s.self {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Reject marks the unconfirmed message localID as failed because the server
// refused it. It reports whether an entry changed.
func (s *Stream) Reject(localID string, reason error) bool {
	s.mu.Lock()
	msg, ok := s.byLocal[localID]
	if !ok || msg.ID != "" || msg.Status != domain.StatusPending {
		s.mu.Unlock()
		return false
	}
	msg.Status = domain.StatusFailed
	msg.SendError = &domain.SendFailure{LocalID: localID, Kind: string(events.KindSendMessage), Err: reason}
	s.mu.Unlock()

	s.logger.Warn("Message rejected", "local_id", localID, "error", reason)
	s.changed()
	return true
}

// Retry resends a failed message.
func (s *Stream) Retry(ctx context.Context, localID string) error {
	s.mu.Lock()
	msg, ok := s.byLocal[localID]
	if !ok || msg.ID != "" {
		s.mu.Unlock()
		return domain.ErrMessageNotFound
	}
	msg.Status = domain.StatusPending
	msg.SendError = nil
	s.mu.Unlock()
	s.changed()

	return s.sendPending(ctx, localID)
}

// ResendUnconfirmed resends every pending or failed message, except those
// the server refused for a reason a resend cannot fix. It returns how many
// were sent successfully.
func (s *Stream) ResendUnconfirmed(ctx context.Context) int {
	s.mu.Lock()
	ids := make([]string, 0)
	for _, m := range s.entries {
		if m.ID != "" || (m.Status != domain.StatusPending && m.Status != domain.StatusFailed) {
			continue
		}
		var rejected *domain.RejectedError
		if errors.As(m.SendError, &rejected) && !rejected.Retryable() {
			continue
		}
		ids = append(ids, m.LocalID)
	}
	s.mu.Unlock()

	sent := 0
	for _, id := range ids {
		if err := s.Retry(ctx, id); err == nil {
			sent++
		}
	}
	return sent
}

// OnRemoteMessage reconciles a committed message from the server. A self
// echo replaces its pending entry in place; anything else is appended at the
// tail. Duplicates are ignored. It reports whether the log changed.
func (s *Stream) OnRemoteMessage(ctx context.Context, incoming domain.Message) bool {
	if incoming.ID == "" {
		return false
	}

	s.mu.Lock()
	if _, dup := s.byID[incoming.ID]; dup {
		s.mu.Unlock()
		return false
	}
	s.commitLocked(incoming)
	s.mu.Unlock()
	s.changed()

	if incoming.SenderID != s.self {
		s.MarkAsRead(ctx, incoming.ID)
	}
	return true
}

// commitLocked places a committed message in the log. Callers hold s.mu and
// have checked that the id is new.
func (s *Stream) commitLocked(incoming domain.Message) *domain.Message {
	msg := incoming.Clone()
	msg.Status = domain.StatusCommitted
	msg.SendError = nil
	if msg.RoomID == "" {
		msg.RoomID = s.roomID
	}
	if s.tombstones[msg.ID] {
		s.tombstoneLocked(&msg)
		delete(s.tombstones, msg.ID)
	}

	if msg.SenderID == s.self {
		if pending := s.matchPendingLocked(msg); pending != nil {
			readBy := pending.ReadBy
			localID := pending.LocalID
			*pending = msg
			pending.LocalID = localID
			for id := range readBy {
				pending.MarkReadBy(id)
			}
			s.byID[pending.ID] = pending
			s.logger.Debug("Reconciled pending message",
				"local_id", localID,
				"message_id", pending.ID)
			return pending
		}
	}

	stored := &msg
	s.entries = append(s.entries, stored)
	s.byID[stored.ID] = stored
	if stored.LocalID != "" && stored.SenderID == s.self {
		s.byLocal[stored.LocalID] = stored
	}
	return stored
}

// matchPendingLocked finds the unconfirmed entry a self echo belongs to: the
// one with the echoed local id, else the oldest with identical content.
func (s *Stream) matchPendingLocked(msg domain.Message) *domain.Message {
	if msg.LocalID != "" {
		if p, ok := s.byLocal[msg.LocalID]; ok && p.ID == "" {
			return p
		}
	}
	for _, p := range s.entries {
		if p.ID == "" && p.SenderID == s.self && p.Content == msg.Content {
			return p
		}
	}
	return nil
}

// OnRead unions readerID into the read set of messageID. Applying the same
// receipt twice is a no-op.
func (s *Stream) OnRead(messageID, readerID string) bool {
	s.mu.Lock()
	msg, ok := s.byID[messageID]
	changed := ok && msg.MarkReadBy(readerID)
	s.mu.Unlock()

	if changed {
		s.changed()
	}
	return changed
}

// OnDeleted soft-deletes messageID. The row stays in the log with its sender
// and timestamp; only the displayed content is replaced. A delete for an
// unknown id is remembered and applied when the message arrives.
func (s *Stream) OnDeleted(messageID string) bool {
	s.mu.Lock()
	msg, ok := s.byID[messageID]
	if !ok {
		s.tombstones[messageID] = true
		s.mu.Unlock()
		return false
	}
	if msg.IsDeleted {
		s.mu.Unlock()
		return false
	}
	s.tombstoneLocked(msg)
	s.mu.Unlock()
	s.changed()
	return true
}

func (s *Stream) tombstoneLocked(msg *domain.Message) {
	msg.IsDeleted = true
	msg.Content = domain.DeletedPlaceholder
}

// OnEdited replaces the content of messageID. Edits of deleted messages are ignored.
func (s *Stream) OnEdited(messageID, content string) bool {
	s.mu.Lock()
	msg, ok := s.byID[messageID]
	if !ok || msg.IsDeleted {
		s.mu.Unlock()
		return false
	}
	msg.Content = content
	msg.IsEdited = true
	s.mu.Unlock()
	s.changed()
	return true
}

// OnReactionUpdated replaces the reactions of messageID with the server's
// set. It reports whether anything changed.
func (s *Stream) OnReactionUpdated(messageID string, reactions map[string][]string) bool {
	if len(reactions) == 0 {
		reactions = nil
	}
	s.mu.Lock()
	msg, ok := s.byID[messageID]
	if !ok || reflect.DeepEqual(msg.Reactions, reactions) {
		s.mu.Unlock()
		return false
	}
	msg.Reactions = domain.CloneReactions(reactions)
	s.mu.Unlock()
	s.changed()
	return true
}

// ToggleReaction asks the server to add or remove the local user's emoji on
// a committed message. The log changes when the broadcast arrives.
func (s *Stream) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return errors.New("emoji is required")
	}
	if err := s.requireCommitted(messageID); err != nil {
		return err
	}
	env, err := events.New(events.KindToggleReaction, s.roomID, events.ToggleReaction{MessageID: messageID, Emoji: emoji})
	if err != nil {
		return err
	}
	if err := s.outbox.Send(ctx, env); err != nil {
		return &domain.SendFailure{LocalID: messageID, Kind: string(events.KindToggleReaction), Err: err}
	}
	return nil
}

// MarkAsRead sends a read receipt for a remote message, at most once per
// message per session. It reports whether a receipt was sent.
func (s *Stream) MarkAsRead(ctx context.Context, messageID string) bool {
	s.mu.Lock()
	msg, ok := s.byID[messageID]
	if !ok || msg.SenderID == s.self || s.marked[messageID] || msg.ReadBy[s.self] {
		s.mu.Unlock()
		return false
	}
	s.marked[messageID] = true
	s.mu.Unlock()

	env, err := events.New(events.KindMarkRead, s.roomID, events.MarkRead{MessageID: messageID})
	if err == nil {
		err = s.outbox.Send(ctx, env)
	}
	if err != nil {
		// Allow a later visibility change to try again.
		s.mu.Lock()
		delete(s.marked, messageID)
		s.mu.Unlock()
		s.logger.Debug("Failed to send read receipt", "message_id", messageID, "error", err)
		return false
	}
	return true
}

// DeleteMessage asks the server to delete a committed message. The local
// entry changes when the broadcast arrives.
func (s *Stream) DeleteMessage(ctx context.Context, messageID string) error {
	if err := s.requireCommitted(messageID); err != nil {
		return err
	}
	env, err := events.New(events.KindDeleteMessage, s.roomID, events.DeleteMessage{MessageID: messageID})
	if err != nil {
		return err
	}
	if err := s.outbox.Send(ctx, env); err != nil {
		return &domain.SendFailure{LocalID: messageID, Kind: string(events.KindDeleteMessage), Err: err}
	}
	return nil
}

// EditMessage asks the server to replace the content of a committed message.
func (s *Stream) EditMessage(ctx context.Context, messageID, content string) error {
	if err := s.requireCommitted(messageID); err != nil {
		return err
	}
	env, err := events.New(events.KindEditMessage, s.roomID, events.EditMessage{MessageID: messageID, Content: content})
	if err != nil {
		return err
	}
	if err := s.outbox.Send(ctx, env); err != nil {
		return &domain.SendFailure{LocalID: messageID, Kind: string(events.KindEditMessage), Err: err}
	}
	return nil
}

func (s *Stream) requireCommitted(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[messageID]
	if !ok {
		return domain.ErrMessageNotFound
	}
	if msg.IsDeleted {
		return domain.ErrMessageDeleted
	}
	return nil
}

// ApplySnapshot merges the authoritative recent window sent on join or
// reconnect. Known messages keep their local overlays (deletes, receipts);
// unknown self messages reconcile pending entries; unconfirmed entries stay
// at the tail. Committed entries missing from the window keep their place
// relative to it: each follows the window message it followed before, and
// those older than every window message stay above it.
func (s *Stream) ApplySnapshot(ctx context.Context, window []domain.Message, hasMore bool) {
	s.mu.Lock()

	inWindow := make(map[string]bool, len(window))
	for _, m := range window {
		if m.ID != "" {
			inWindow[m.ID] = true
		}
	}

	var above []*domain.Message
	following := make(map[string][]*domain.Message)
	anchor := ""
	for _, m := range s.entries {
		switch {
		case m.ID == "":
			// unconfirmed, re-added at the tail
		case inWindow[m.ID]:
			anchor = m.ID
		case anchor == "":
			above = append(above, m)
		default:
			following[anchor] = append(following[anchor], m)
		}
	}

	rebuilt := make([]*domain.Message, 0, len(s.entries)+len(window))
	rebuilt = append(rebuilt, above...)

	toMark := make([]string, 0)
	for _, incoming := range window {
		if incoming.ID == "" {
			continue
		}
		var stored *domain.Message
		if existing, ok := s.byID[incoming.ID]; ok {
			deleted := existing.IsDeleted || incoming.IsDeleted
			readBy := existing.ReadBy
			localID := existing.LocalID
			*existing = incoming.Clone()
			existing.Status = domain.StatusCommitted
			if existing.LocalID == "" {
				existing.LocalID = localID
			}
			for id := range readBy {
				existing.MarkReadBy(id)
			}
			if deleted {
				s.tombstoneLocked(existing)
			}
			stored = existing
		} else {
			stored = s.commitLocked(incoming)
			// commitLocked appended unmatched messages to s.entries; the
			// rebuilt slice is authoritative from here on.
		}
		rebuilt = append(rebuilt, stored)
		rebuilt = append(rebuilt, following[incoming.ID]...)
		delete(following, incoming.ID)
		if stored.SenderID != s.self && !stored.ReadBy[s.self] {
			toMark = append(toMark, stored.ID)
		}
	}

	for _, m := range s.entries {
		if m.ID == "" {
			rebuilt = append(rebuilt, m)
		}
	}
	s.entries = rebuilt
	s.hasMore = hasMore
	s.mu.Unlock()
	s.changed()

	for _, id := range toMark {
		s.MarkAsRead(ctx, id)
	}
}

// PrependHistory inserts an older page above the current log, skipping
// messages already present.
func (s *Stream) PrependHistory(page []domain.Message, hasMore bool) int {
	s.mu.Lock()
	older := make([]*domain.Message, 0, len(page))
	for _, incoming := range page {
		if incoming.ID == "" {
			continue
		}
		if _, dup := s.byID[incoming.ID]; dup {
			continue
		}
		msg := incoming.Clone()
		msg.Status = domain.StatusCommitted
		if s.tombstones[msg.ID] {
			s.tombstoneLocked(&msg)
			delete(s.tombstones, msg.ID)
		}
		s.byID[msg.ID] = &msg
		older = append(older, &msg)
	}
	s.entries = append(older, s.entries...)
	s.hasMore = hasMore
	s.mu.Unlock()

	if len(older) > 0 {
		s.changed()
	}
	return len(older)
}

// Messages returns a copy of the log in display order.
func (s *Stream) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Message, len(s.entries))
	for i, m := range s.entries {
		out[i] = m.Clone()
	}
	return out
}

// Message looks up an entry by server id or local id.
func (s *Stream) Message(key string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.byID[key]; ok {
		return m.Clone(), true
	}
	if m, ok := s.byLocal[key]; ok {
		return m.Clone(), true
	}
	return domain.Message{}, false
}

// Failed returns the entries whose send failed and await a retry.
func (s *Stream) Failed() []domain.Message {
	return s.withStatus(domain.StatusFailed)
}

// Pending returns the entries still waiting for the server echo.
func (s *Stream) Pending() []domain.Message {
	return s.withStatus(domain.StatusPending)
}

func (s *Stream) withStatus(status domain.MessageStatus) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Message, 0)
	for _, m := range s.entries {
		if m.Status == status {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Len returns the number of entries.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// HasMore reports whether older history is available.
func (s *Stream) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *Stream) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
