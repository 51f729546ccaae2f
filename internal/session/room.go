package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nfrund/roomsync/internal/dispatch"
	"github.com/nfrund/roomsync/internal/document"
	"github.com/nfrund/roomsync/internal/domain"
	"github.com/nfrund/roomsync/internal/events"
	"github.com/nfrund/roomsync/internal/messages"
	"github.com/nfrund/roomsync/internal/presence"
)

// Room is a joined room: its message log, shared document and participants,
// kept in sync with the relay.
type Room struct {
	id      string
	self    domain.Participant
	manager *Manager

	stream   *messages.Stream
	doc      *document.Reconciler
	presence *presence.Tracker

	mu         sync.Mutex
	ready      chan struct{}
	readyOnce  sync.Once
	leftCh     chan struct{}
	leftOnce   sync.Once
	loaded     bool
	resyncing  bool
	left       bool
	loadingOld bool
	lastError  *events.Error
	onError    func(events.Error)
	mentions   []events.Mention
}

// roomOutbox refuses sends once the room has been left.
type roomOutbox struct {
	room *Room
}

func (o roomOutbox) Send(ctx context.Context, env events.Envelope) error {
	if o.room.isLeft() {
		return domain.ErrRoomNotJoined
	}
	return o.room.manager.send(ctx, env)
}

func newRoom(m *Manager, roomID string, self domain.Participant) *Room {
	self.Online = true
	r := &Room{
		id:      roomID,
		self:    self,
		manager: m,
		ready:   make(chan struct{}),
		leftCh:  make(chan struct{}),
	}
	out := roomOutbox{room: r}
	streamOpts := []messages.Option{
		messages.WithLogger(m.opts.logger),
		messages.WithClock(m.opts.now),
	}
	if fn := m.opts.onMessages; fn != nil {
		streamOpts = append(streamOpts, messages.WithOnChange(func() { fn(roomID) }))
	}
	docOpts := []document.Option{
		document.WithLogger(m.opts.logger),
		document.WithClock(m.opts.now),
		document.WithTypingIdle(m.opts.typingIdle),
		document.WithTypingTTL(m.opts.typingTTL),
	}
	if fn := m.opts.onDocument; fn != nil {
		docOpts = append(docOpts, document.WithOnChange(func(s domain.DocumentState) { fn(roomID, s) }))
	}
	r.stream = messages.NewStream(roomID, self.UserID, out, streamOpts...)
	r.doc = document.NewReconciler(roomID, self.UserID, out, docOpts...)
	r.presence = presence.NewTracker(roomID,
		presence.WithLogger(m.opts.logger),
		presence.WithClock(m.opts.now))
	return r
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// Self returns the local participant.
func (r *Room) Self() domain.Participant { return r.self }

// subscribe registers one handler per inbound event kind.
func (r *Room) subscribe() {
	router := r.manager.router
	handlers := map[events.Kind]dispatch.Handler{
		events.KindRoomSnapshot:    r.handleSnapshot,
		events.KindDocumentState:   r.handleDocumentState,
		events.KindDocumentChanged: r.handleDocumentChanged,
		events.KindCursorMoved:     r.handleCursorMoved,
		events.KindUserTyping:      r.handleUserTyping,
		events.KindMessageSent:     r.handleMessageSent,
		events.KindMessageRead:     r.handleMessageRead,
		events.KindMessageDeleted:  r.handleMessageDeleted,
		events.KindMessageEdited:   r.handleMessageEdited,
		events.KindReactionUpdated: r.handleReactionUpdated,
		events.KindMention:         r.handleMention,
		events.KindUserJoined:      r.handleUserJoined,
		events.KindUserLeft:        r.handleUserLeft,
		events.KindOnlineMembers:   r.handleOnlineMembers,
		events.KindError:           r.handleError,
	}
	for kind, h := range handlers {
		router.Subscribe(r.id, kind, h)
	}
}

func (r *Room) sendJoin(ctx context.Context) error {
	env, err := events.New(events.KindJoinRoom, r.id, events.JoinRoom{Participant: r.self})
	if err != nil {
		return err
	}
	return r.manager.send(ctx, env)
}

// wait blocks until the first snapshot arrived, the room was left or ctx ended.
func (r *Room) wait(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	case <-r.leftCh:
		return domain.ErrRoomNotJoined
	case <-ctx.Done():
		return fmt.Errorf("waiting for room %s snapshot: %w", r.id, ctx.Err())
	}
}

func (r *Room) beginResync() {
	r.mu.Lock()
	r.resyncing = true
	r.mu.Unlock()
}

func (r *Room) close() {
	r.mu.Lock()
	r.left = true
	r.mu.Unlock()
	r.leftOnce.Do(func() { close(r.leftCh) })
	r.doc.Close()
}

func (r *Room) isLeft() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.left
}

// Loading reports whether the initial snapshot is still outstanding.
func (r *Room) Loading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.loaded
}

// Resyncing reports whether a reconnect snapshot is outstanding.
func (r *Room) Resyncing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resyncing
}

// applySnapshot installs authoritative state and then resends unconfirmed
// messages that the snapshot did not already contain.
func (r *Room) applySnapshot(ctx context.Context, snap events.RoomSnapshot) {
	if snap.Document != nil {
		_ = r.doc.OnSnapshot(*snap.Document)
	}
	r.stream.ApplySnapshot(ctx, snap.Messages, snap.HasMore)
	r.presence.Load(snap.Participants)

	r.mu.Lock()
	resync := r.resyncing
	r.resyncing = false
	r.loaded = true
	r.mu.Unlock()
	r.readyOnce.Do(func() { close(r.ready) })

	if resync {
		if n := r.stream.ResendUnconfirmed(ctx); n > 0 {
			r.manager.logger.Info("Resent unconfirmed messages", "room_id", r.id, "count", n)
		}
	}
}

func (r *Room) handleSnapshot(ctx context.Context, env events.Envelope) error {
	snap, err := events.Decode[events.RoomSnapshot](env)
	if err != nil {
		return err
	}
	r.applySnapshot(ctx, snap)
	return nil
}

// handleDocumentState accepts a standalone document snapshot. This relay
// carries the document inside room_snapshot instead; other relays speaking
// the same protocol may push document_state on their own.
func (r *Room) handleDocumentState(_ context.Context, env events.Envelope) error {
	p, err := events.Decode[events.DocumentStatePayload](env)
	if err != nil {
		return err
	}
	return ignoreStale(r.doc.OnSnapshot(p.Document))
}

func (r *Room) handleDocumentChanged(_ context.Context, env events.Envelope) error {
	p, err := events.Decode[events.DocumentChanged](env)
	if err != nil {
		return err
	}
	return ignoreStale(r.doc.OnRemote(p.State()))
}

func (r *Room) handleCursorMoved(_ context.Context, env events.Envelope) error {
	p, err := events.Decode[events.CursorMoved](env)
	if err != nil {
		return err
	}
	pos := domain.CursorPosition{Offset: p.Position, UpdatedAtMs: p.UpdatedAtMs}
	if r.doc.OnCursorMoved(p.UserID, pos) {
		r.presence.SetCursor(p.UserID, pos)
	}
	return nil
}

func (r *Room) handleUserTyping(_ context.Context, env events.Envelope) error {
	p, err := events.Decode[events.UserTyping](env)
	if err != nil {
		return err
	}
	r.doc.OnUserTyping(p.UserID, p.Handle, p.IsTyping)
	var expires int64
	if at, ok := r.doc.TypingExpiresAt(p.UserID); ok {
		expires = at.UnixMilli()
	}
	r.presence.SetTyping(p.UserID, p.IsTyping, expires)
	return nil
}

func (r *Room) handleMessageSent(ctx context.Context, env events.Envelope) error {
	p, err := events.Decode[events.MessageSent](env)
	if err != nil {
		return err
	}
	r.stream.OnRemoteMessage(ctx, p.Message)
	return nil
}

func (r *Room) handleMessageRead(_ context.Context, env events.Envelope) error {
	p, err := events.Decode[events.MessageRead](env)
	if err != nil {
		return err
	}
	r.stream.OnRead(p.MessageID, p.UserID)
	return nil
}

func (r *Room) handleMessageDeleted(_ context.Context, env events.Envelope) error {
	p, err := events.Decode[events.MessageDeleted](env)
	if err != nil {
		return err
	}
	r.stream.OnDeleted(p.MessageID)
	return nil
}

func (r *Room) handleMessageEdited(_ context.Context, env events.Envelope) error {
	p, err := events.Decode[events.MessageEdited](env)
	if err != nil {
		return err
	}
	r.stream.OnEdited(p.MessageID, p.Content)
	return nil
}

func (r *Room) handleReactionUpdated(_ context.Context, env events.Envelope) error {
	p, err := events.Decode[events.ReactionUpdated](env)
	if err != nil {
		return err
	}
	r.stream.OnReactionUpdated(p.MessageID, p.Reactions)
	return nil
}

func (r *Room) handleMention(_ context.Context, env events.Envelope) error {
	p, err := events.Decode[events.Mention](env)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.mentions = append(r.mentions, p)
	r.mu.Unlock()
	if fn := r.manager.opts.onMention; fn != nil {
		fn(r.id, p)
	}
	return nil
}

func (r *Room) handleUserJoined(_ context.Context, env events.Envelope) error {
	p, err := events.Decode[events.UserJoined](env)
	if err != nil {
		return err
	}
	r.presence.OnUserJoined(p.Participant)
	return nil
}

func (r *Room) handleUserLeft(_ context.Context, env events.Envelope) error {
	p, err := events.Decode[events.UserLeft](env)
	if err != nil {
		return err
	}
	r.presence.OnUserLeft(p.UserID)
	r.doc.RemoveCursor(p.UserID)
	return nil
}

func (r *Room) handleOnlineMembers(_ context.Context, env events.Envelope) error {
	p, err := events.Decode[events.OnlineMembers](env)
	if err != nil {
		return err
	}
	r.presence.ApplySnapshot(p.Members)
	return nil
}

func (r *Room) handleError(_ context.Context, env events.Envelope) error {
	p, err := events.Decode[events.Error](env)
	if err != nil {
		return err
	}
	r.manager.logger.Warn("Relay rejected intent",
		"room_id", r.id,
		"code", p.Code,
		"message", p.Message,
		"ref", p.Ref)

	if p.Ref == string(events.KindSendMessage) && p.LocalID != "" {
		r.stream.Reject(p.LocalID, &domain.RejectedError{Code: p.Code, Message: p.Message})
	}

	r.mu.Lock()
	r.lastError = &p
	fn := r.onError
	r.mu.Unlock()
	if fn != nil {
		fn(p)
	}
	return nil
}

func ignoreStale(err error) error {
	if errors.Is(err, domain.ErrStaleUpdate) {
		return nil
	}
	return err
}

// OnError registers a callback for intents the relay rejected.
func (r *Room) OnError(fn func(events.Error)) {
	r.mu.Lock()
	r.onError = fn
	r.mu.Unlock()
}

// LastError returns the most recent rejection, if any.
func (r *Room) LastError() (events.Error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastError == nil {
		return events.Error{}, false
	}
	return *r.lastError, true
}

// Mentions returns the mention notifications received in this room.
func (r *Room) Mentions() []events.Mention {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Mention(nil), r.mentions...)
}

// Messages returns the message log, empty while loading.
func (r *Room) Messages() []domain.Message {
	if r.Loading() {
		return nil
	}
	return r.stream.Messages()
}

// Document returns the shared document, zero while loading.
func (r *Room) Document() domain.DocumentState {
	if r.Loading() {
		return domain.DocumentState{}
	}
	return r.doc.State()
}

// Participants returns every known participant, empty while loading.
func (r *Room) Participants() []domain.Participant {
	if r.Loading() {
		return nil
	}
	return r.presence.Participants()
}

// OnlineCount returns the displayed online counter.
func (r *Room) OnlineCount() int {
	if r.Loading() {
		return 0
	}
	return r.presence.OnlineCount()
}

// Cursors returns the remote carets keyed by user id.
func (r *Room) Cursors() map[string]domain.CursorPosition {
	return r.doc.Cursors()
}

// TypingText renders who is typing.
func (r *Room) TypingText() string {
	return r.doc.TypingText()
}

// Stream exposes the message reconciler.
func (r *Room) Stream() *messages.Stream { return r.stream }

// Doc exposes the document reconciler.
func (r *Room) Doc() *document.Reconciler { return r.doc }

// Presence exposes the participant tracker.
func (r *Room) Presence() *presence.Tracker { return r.presence }

// Send appends a chat message optimistically and ends the typing state.
// Users written as @id in content are mentioned.
func (r *Room) Send(ctx context.Context, content string, typ domain.MessageType, opts ...messages.SendOption) (string, error) {
	if r.isLeft() {
		return "", domain.ErrRoomNotJoined
	}
	r.doc.StopTyping()
	return r.stream.AppendLocal(ctx, content, typ, opts...)
}

// Reply sends content as a reply to messageID.
func (r *Room) Reply(ctx context.Context, messageID, content string) (string, error) {
	return r.Send(ctx, content, domain.MessageText, messages.InReplyTo(messageID))
}

// ToggleReaction adds or removes the local user's emoji on a message.
func (r *Room) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	return r.stream.ToggleReaction(ctx, messageID, emoji)
}

// Retry resends a failed message.
func (r *Room) Retry(ctx context.Context, localID string) error {
	return r.stream.Retry(ctx, localID)
}

// EditMessage asks the relay to replace a message's content.
func (r *Room) EditMessage(ctx context.Context, messageID, content string) error {
	return r.stream.EditMessage(ctx, messageID, content)
}

// DeleteMessage asks the relay to delete a message.
func (r *Room) DeleteMessage(ctx context.Context, messageID string) error {
	return r.stream.DeleteMessage(ctx, messageID)
}

// Keystroke reports chat input activity.
func (r *Room) Keystroke() {
	r.doc.Keystroke()
}

// EditDocument replaces the document content optimistically.
func (r *Room) EditDocument(ctx context.Context, content string) error {
	if r.isLeft() {
		return domain.ErrRoomNotJoined
	}
	return r.doc.ApplyLocal(ctx, content)
}

// MoveCursor reports the local caret.
func (r *Room) MoveCursor(ctx context.Context, offset int) error {
	return r.doc.MoveCursor(ctx, offset)
}

// RefreshPresence asks the relay for the authoritative online list.
func (r *Room) RefreshPresence(ctx context.Context) error {
	env, err := events.New(events.KindGetOnlineMembers, r.id, events.GetOnlineMembers{})
	if err != nil {
		return err
	}
	return roomOutbox{room: r}.Send(ctx, env)
}

// Refresh fetches the room snapshot over REST and applies it.
func (r *Room) Refresh(ctx context.Context) error {
	p := r.manager.opts.persistence
	if p == nil {
		return errors.New("no persistence configured")
	}
	snap, err := p.GetRoomSnapshot(ctx, r.id)
	if err != nil {
		return err
	}
	r.applySnapshot(ctx, snap)
	return nil
}

// LoadOlder prepends the next page of history. It returns how many messages
// were added; zero once the beginning of the room is reached.
func (r *Room) LoadOlder(ctx context.Context) (int, error) {
	p := r.manager.opts.persistence
	if p == nil {
		return 0, errors.New("no persistence configured")
	}
	if !r.stream.HasMore() {
		return 0, nil
	}

	r.mu.Lock()
	if r.loadingOld {
		r.mu.Unlock()
		return 0, nil
	}
	r.loadingOld = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.loadingOld = false
		r.mu.Unlock()
	}()

	// Pages count from the newest message, so the page after everything
	// already loaded may overlap it; overlaps are dropped as duplicates.
	size := r.manager.opts.historyPageSize
	committed := 0
	for _, m := range r.stream.Messages() {
		if m.ID != "" {
			committed++
		}
	}
	page := committed/size + 1

	start := time.Now()
	result, err := p.GetMessages(ctx, r.id, page, size)
	if err != nil {
		return 0, err
	}
	added := r.stream.PrependHistory(result.Messages, result.HasMore)
	r.manager.logger.Debug("Loaded older messages",
		"room_id", r.id,
		"page", page,
		"added", added,
		"duration", time.Since(start))
	return added, nil
}
