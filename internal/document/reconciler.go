// Package document keeps the shared document of an editor room consistent with
// the server using last-writer-wins by version.
package document

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nfrund/roomsync/internal/domain"
	"github.com/nfrund/roomsync/internal/events"
	"github.com/nfrund/roomsync/internal/typing"
)

// Outbox delivers intents to the server.
type Outbox interface {
	Send(ctx context.Context, env events.Envelope) error
}

// Stats counts how remote updates were handled.
type Stats struct {
	Applied int
	Stale   int
}

// Reconciler owns the local copy of a document, the remote cursors and the
// typing state of one room.
type Reconciler struct {
	mu      sync.Mutex
	roomID  string
	self    string
	state   domain.DocumentState
	loaded  bool
	stats   Stats
	cursors map[string]domain.CursorPosition

	outbox      Outbox
	broadcaster *typing.Broadcaster
	indicator   *typing.Indicator
	onChange    func(domain.DocumentState)
	now         func() time.Time
	logger      *slog.Logger

	typingIdle time.Duration
	typingTTL  time.Duration
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = l
	}
}

// WithTypingIdle sets how long after the last keystroke typing=false is sent.
func WithTypingIdle(d time.Duration) Option {
	return func(r *Reconciler) {
		r.typingIdle = d
	}
}

// WithTypingTTL sets how long a remote typing flag lives without a refresh.
func WithTypingTTL(d time.Duration) Option {
	return func(r *Reconciler) {
		r.typingTTL = d
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithOnChange registers a callback run whenever the document content changes.
func WithOnChange(fn func(domain.DocumentState)) Option {
	return func(r *Reconciler) {
		r.onChange = fn
	}
}

// NewReconciler creates a reconciler for roomID on behalf of selfID.
func NewReconciler(roomID, selfID string, outbox Outbox, opts ...Option) *Reconciler {
	r := &Reconciler{
		roomID:     roomID,
		self:       selfID,
		cursors:    make(map[string]domain.CursorPosition),
		outbox:     outbox,
		now:        time.Now,
		logger:     slog.Default(),
		typingIdle: typing.DefaultIdle,
		typingTTL:  typing.DefaultTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "document", "room_id", roomID)
	r.broadcaster = typing.NewBroadcaster(r.typingIdle, r.sendTyping, r.logger,
		typing.RefreshEvery(r.typingTTL/2))
	r.indicator = typing.NewIndicator(selfID,
		typing.WithTTL(r.typingTTL),
		typing.WithClock(r.now),
		typing.WithLogger(r.logger))
	return r
}

// ApplyLocal shows content immediately and submits it against the version
// last applied. The local version is left unchanged; the broadcast carrying
// the server-allocated version replaces the state when it arrives.
func (r *Reconciler) ApplyLocal(ctx context.Context, content string) error {
	r.mu.Lock()
	r.state.Content = content
	r.state.LastModifiedBy = r.self
	r.state.LastModifiedAtMs = r.now().UnixMilli()
	base := r.state.Version
	snapshot := r.state
	r.mu.Unlock()

	r.changed(snapshot)
	r.broadcaster.Keystroke()

	env, err := events.New(events.KindEditDocument, r.roomID, events.EditDocument{
		Content:     content,
		BaseVersion: base,
	})
	if err == nil {
		err = r.outbox.Send(ctx, env)
	}
	if err != nil {
		r.logger.Warn("Failed to send document edit", "base_version", base, "error", err)
		return &domain.SendFailure{Kind: string(events.KindEditDocument), Err: err}
	}
	return nil
}

// OnRemote applies a broadcast state if its version is strictly greater than
// the local one, self echoes included. Anything else is discarded and
// reported as domain.ErrStaleUpdate.
func (r *Reconciler) OnRemote(incoming domain.DocumentState) error {
	r.mu.Lock()
	if r.loaded && !incoming.NewerThan(r.state) {
		r.stats.Stale++
		local := r.state.Version
		r.mu.Unlock()
		r.logger.Debug("Discarding stale document update",
			"incoming_version", incoming.Version,
			"local_version", local)
		return domain.ErrStaleUpdate
	}
	r.state = incoming
	r.loaded = true
	r.stats.Applied++
	r.mu.Unlock()

	r.changed(incoming)
	return nil
}

// OnSnapshot installs an authoritative state from a join or resync. A
// snapshot at the current version replaces unconfirmed local content.
func (r *Reconciler) OnSnapshot(incoming domain.DocumentState) error {
	r.mu.Lock()
	if r.loaded && incoming.Version < r.state.Version {
		r.stats.Stale++
		r.mu.Unlock()
		return domain.ErrStaleUpdate
	}
	r.state = incoming
	r.loaded = true
	r.mu.Unlock()

	r.changed(incoming)
	return nil
}

// State returns the local document state.
func (r *Reconciler) State() domain.DocumentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Loaded reports whether a server state has been applied.
func (r *Reconciler) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// Stats returns the remote update counters.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// MoveCursor reports the local caret. Every call is sent.
func (r *Reconciler) MoveCursor(ctx context.Context, offset int) error {
	if offset < 0 {
		offset = 0
	}
	env, err := events.New(events.KindMoveCursor, r.roomID, events.MoveCursor{Position: offset})
	if err != nil {
		return err
	}
	return r.outbox.Send(ctx, env)
}

// OnCursorMoved stores a remote caret. Older reports than the stored one are
// ignored when both carry a timestamp.
func (r *Reconciler) OnCursorMoved(userID string, pos domain.CursorPosition) bool {
	if userID == r.self {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.cursors[userID]; ok && pos.UpdatedAtMs != 0 && pos.UpdatedAtMs < cur.UpdatedAtMs {
		return false
	}
	r.cursors[userID] = pos
	return true
}

// RemoveCursor drops the caret of a user who left.
func (r *Reconciler) RemoveCursor(userID string) {
	r.mu.Lock()
	delete(r.cursors, userID)
	r.mu.Unlock()
	r.indicator.Remove(userID)
}

// Cursors returns the remote carets keyed by user id.
func (r *Reconciler) Cursors() map[string]domain.CursorPosition {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]domain.CursorPosition, len(r.cursors))
	for id, c := range r.cursors {
		out[id] = c
	}
	return out
}

// CursorUsers lists users with a known caret, sorted.
func (r *Reconciler) CursorUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.cursors))
	for id := range r.cursors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Keystroke reports local typing activity that is not a document edit, such
// as typing in the chat input.
func (r *Reconciler) Keystroke() {
	r.broadcaster.Keystroke()
}

// StopTyping ends the local typing state immediately.
func (r *Reconciler) StopTyping() {
	r.broadcaster.Stop()
}

// OnUserTyping records a remote typing flag.
func (r *Reconciler) OnUserTyping(userID, handle string, isTyping bool) {
	r.indicator.Set(userID, handle, isTyping)
}

// Typing returns the users currently typing.
func (r *Reconciler) Typing() []string {
	return r.indicator.Active()
}

// TypingText renders the typing line for display.
func (r *Reconciler) TypingText() string {
	return r.indicator.Render()
}

// TypingExpiresAt reports when the typing flag of userID lapses.
func (r *Reconciler) TypingExpiresAt(userID string) (time.Time, bool) {
	return r.indicator.ExpiresAt(userID)
}

// Close disarms the typing timer without sending anything.
func (r *Reconciler) Close() {
	r.broadcaster.Close()
	r.indicator.Reset()
}

func (r *Reconciler) sendTyping(isTyping bool) error {
	env, err := events.New(events.KindTyping, r.roomID, events.Typing{IsTyping: isTyping})
	if err != nil {
		return err
	}
	return r.outbox.Send(context.Background(), env)
}

func (r *Reconciler) changed(state domain.DocumentState) {
	if r.onChange != nil {
		r.onChange(state)
	}
}
