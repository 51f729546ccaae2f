// Package presence maintains the participants of a room and who of them is online.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nfrund/roomsync/internal/domain"
)

// Tracker holds the participants of one room. The online counter is
// accumulated from join and leave events, which can drift when a leave is
// missed; ApplySnapshot is ground truth and always overwrites it.
type Tracker struct {
	mu           sync.RWMutex
	roomID       string
	participants map[string]*domain.Participant
	order        []string // first-seen order, for stable listings
	online       int
	snapshotAt   time.Time
	logger       *slog.Logger
	now          func() time.Time
}

// Option is a function that configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger used by the tracker.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates an empty tracker for roomID.
func NewTracker(roomID string, opts ...Option) *Tracker {
	t := &Tracker{
		roomID:       roomID,
		participants: make(map[string]*domain.Participant),
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "presence", "room_id", roomID)
	return t
}

// OnUserJoined inserts p or marks it online. Duplicate joins are no-ops.
// It reports whether the participant transitioned to online.
func (t *Tracker) OnUserJoined(p domain.Participant) bool {
	if p.UserID == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.participants[p.UserID]
	if !ok {
		p = p.Clone()
		p.Online = true
		t.participants[p.UserID] = &p
		t.order = append(t.order, p.UserID)
		t.online++
		t.logger.Debug("Participant joined", "user_id", p.UserID, "online", t.online)
		return true
	}

	// Refresh profile fields the join may carry.
	if p.Handle != "" {
		existing.Handle = p.Handle
	}
	if p.AvatarURL != "" {
		existing.AvatarURL = p.AvatarURL
	}
	if existing.Online {
		return false
	}
	existing.Online = true
	t.online++
	t.logger.Debug("Participant back online", "user_id", p.UserID, "online", t.online)
	return true
}

// OnUserLeft marks userID offline. The record is kept so that historical
// attribution stays valid. It reports whether the participant was online.
func (t *Tracker) OnUserLeft(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.participants[userID]
	if !ok || !p.Online {
		return false
	}
	p.Online = false
	p.Typing = false
	p.TypingExpiresAtMs = 0
	if t.online > 0 {
		t.online--
	}
	t.logger.Debug("Participant left", "user_id", userID, "online", t.online)
	return true
}

// ApplySnapshot reconciles against the authoritative list of online members.
// Listed members are marked online, every other known participant offline,
// and the counter is overwritten with the snapshot size.
func (t *Tracker) ApplySnapshot(online []domain.Participant) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool, len(online))
	for _, m := range online {
		if m.UserID == "" || seen[m.UserID] {
			continue
		}
		seen[m.UserID] = true
		if existing, ok := t.participants[m.UserID]; ok {
			existing.Online = true
			if m.Handle != "" {
				existing.Handle = m.Handle
			}
			if m.AvatarURL != "" {
				existing.AvatarURL = m.AvatarURL
			}
			continue
		}
		p := m.Clone()
		p.Online = true
		t.participants[p.UserID] = &p
		t.order = append(t.order, p.UserID)
	}
	for id, p := range t.participants {
		if !seen[id] {
			p.Online = false
			p.Typing = false
		}
	}

	if t.online != len(seen) {
		t.logger.Info("Presence counter corrected by snapshot",
			"accumulated", t.online,
			"snapshot", len(seen))
	}
	t.online = len(seen)
	t.snapshotAt = t.now()
}

// Load replaces the participant set with a room snapshot. Unlike ApplySnapshot
// the entries carry their own online flags and offline members are kept.
func (t *Tracker) Load(participants []domain.Participant) {
	t.mu.Lock()
	defer t.mu.Unlock()

	known := t.participants
	t.participants = make(map[string]*domain.Participant, len(participants))
	t.order = t.order[:0]
	t.online = 0
	for _, m := range participants {
		if m.UserID == "" {
			continue
		}
		if _, dup := t.participants[m.UserID]; dup {
			continue
		}
		p := m.Clone()
		t.participants[p.UserID] = &p
		t.order = append(t.order, p.UserID)
		if p.Online {
			t.online++
		}
	}
	// Keep people we knew about but the snapshot omits, as offline.
	for id, p := range known {
		if _, ok := t.participants[id]; ok {
			continue
		}
		p.Online = false
		p.Typing = false
		t.participants[id] = p
		t.order = append(t.order, id)
	}
	t.snapshotAt = t.now()
}

// SetCursor records a remote caret position. Last write wins per user.
func (t *Tracker) SetCursor(userID string, pos domain.CursorPosition) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.ensureLocked(userID)
	c := pos
	p.Cursor = &c
}

// SetTyping mirrors the typing indicator onto the participant record.
func (t *Tracker) SetTyping(userID string, typing bool, expiresAtMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.participants[userID]
	if !ok {
		return
	}
	p.Typing = typing
	if typing {
		p.TypingExpiresAtMs = expiresAtMs
	} else {
		p.TypingExpiresAtMs = 0
	}
}

// ensureLocked returns the participant for userID, creating an offline
// placeholder for events that arrive before the join.
func (t *Tracker) ensureLocked(userID string) *domain.Participant {
	if p, ok := t.participants[userID]; ok {
		return p
	}
	p := &domain.Participant{UserID: userID}
	t.participants[userID] = p
	t.order = append(t.order, userID)
	return p
}

// OnlineCount returns the displayed online counter.
func (t *Tracker) OnlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online
}

// Participant returns a copy of the participant record.
func (t *Tracker) Participant(userID string) (domain.Participant, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.participants[userID]
	if !ok {
		return domain.Participant{}, false
	}
	return p.Clone(), true
}

// Participants lists every known participant in first-seen order.
func (t *Tracker) Participants() []domain.Participant {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]domain.Participant, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.participants[id].Clone())
	}
	return out
}

// Online lists the participants currently marked online.
func (t *Tracker) Online() []domain.Participant {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]domain.Participant, 0, t.online)
	for _, id := range t.order {
		if p := t.participants[id]; p.Online {
			out = append(out, p.Clone())
		}
	}
	return out
}

// LastSnapshot returns when ground truth was last applied.
func (t *Tracker) LastSnapshot() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotAt
}
