// Package typing tracks who is typing in a room and debounces the local
// typing state before it is broadcast.
package typing

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTTL bounds how long a typing flag survives without a stop event.
	DefaultTTL = 5 * time.Second

	// DefaultIdle is the editor idle period before typing=false is sent.
	DefaultIdle = 1 * time.Second
)

type entry struct {
	handle    string
	expiresAt time.Time
}

// Indicator is the ephemeral set of users currently typing. Entries leave the
// set on an explicit stop or when their TTL passes.
type Indicator struct {
	mu      sync.Mutex
	entries map[string]entry
	self    string
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures an Indicator.
type Option func(*Indicator)

// WithTTL sets how long a typing flag lives without a refresh.
func WithTTL(d time.Duration) Option {
	return func(i *Indicator) {
		i.ttl = d
	}
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Indicator) {
		i.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Indicator) {
		i.logger = l
	}
}

// NewIndicator creates an indicator that ignores events about selfID.
func NewIndicator(selfID string, opts ...Option) *Indicator {
	i := &Indicator{
		entries: make(map[string]entry),
		self:    selfID,
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With("component", "typing")
	return i
}

// Set records a typing=true or typing=false event for userID.
func (i *Indicator) Set(userID, handle string, typing bool) {
	if userID == "" || userID == i.self {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if !typing {
		delete(i.entries, userID)
		return
	}
	if handle == "" {
		handle = userID
	}
	i.entries[userID] = entry{handle: handle, expiresAt: i.now().Add(i.ttl)}
}

// Remove drops userID, e.g. when the user leaves the room.
func (i *Indicator) Remove(userID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.entries, userID)
}

// Reset clears the set. Used after a snapshot, which never carries typing state.
func (i *Indicator) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries = make(map[string]entry)
}

// ExpiresAt returns when userID's flag lapses.
func (i *Indicator) ExpiresAt(userID string) (time.Time, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	e, ok := i.entries[userID]
	if !ok || !i.now().Before(e.expiresAt) {
		return time.Time{}, false
	}
	return e.expiresAt, true
}

// Active returns the user ids still typing, pruning expired entries.
func (i *Indicator) Active() []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	ids := make([]string, 0, len(i.entries))
	for id, e := range i.entries {
		if !now.Before(e.expiresAt) {
			delete(i.entries, id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Render formats the active set as "X is typing…" or "X, Y are typing…".
// It returns an empty string when nobody is typing.
func (i *Indicator) Render() string {
	ids := i.Active()
	if len(ids) == 0 {
		return ""
	}

	i.mu.Lock()
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if e, ok := i.entries[id]; ok {
			names = append(names, e.handle)
		}
	}
	i.mu.Unlock()

	if len(names) == 1 {
		return fmt.Sprintf("%s is typing…", names[0])
	}
	return fmt.Sprintf("%s are typing…", strings.Join(names, ", "))
}
