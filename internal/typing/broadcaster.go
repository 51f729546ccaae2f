package typing

import (
	"log/slog"
	"sync"
	"time"
)

// SendFunc delivers the local typing state to the room.
type SendFunc func(typing bool) error

// Broadcaster debounces local typing. The first keystroke sends typing=true;
// each keystroke re-arms the idle timer; typing=false is sent once the user
// has been idle for the configured period. During a long burst typing=true is
// repeated every refresh period so remote flags do not expire.
type Broadcaster struct {
	mu       sync.Mutex
	send     SendFunc
	idle     time.Duration
	refresh  time.Duration
	timer    *DebounceTimer
	active   bool
	lastSent time.Time
	now      func() time.Time
	logger   *slog.Logger
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// RefreshEvery repeats typing=true at most every d while the user keeps
// typing. Use half the remote TTL. Zero disables refreshing.
func RefreshEvery(d time.Duration) BroadcasterOption {
	return func(b *Broadcaster) {
		b.refresh = d
	}
}

// NewBroadcaster creates a broadcaster with the given idle period.
func NewBroadcaster(idle time.Duration, send SendFunc, logger *slog.Logger, opts ...BroadcasterOption) *Broadcaster {
	if idle <= 0 {
		idle = DefaultIdle
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		send:    send,
		idle:    idle,
		refresh: DefaultTTL / 2,
		now:     time.Now,
		logger:  logger.With("component", "typing_broadcaster"),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.timer = NewDebounceTimer(b.fire)
	return b
}

// Keystroke marks local activity.
func (b *Broadcaster) Keystroke() {
	b.mu.Lock()
	now := b.now()
	due := !b.active || (b.refresh > 0 && now.Sub(b.lastSent) >= b.refresh)
	b.active = true
	if due {
		b.lastSent = now
	}
	b.mu.Unlock()

	b.timer.Arm(b.idle)
	if !due {
		return
	}
	if err := b.send(true); err != nil {
		b.logger.Debug("Failed to send typing start", "error", err)
	}
}

// Stop ends the typing state immediately, e.g. when a message is sent.
func (b *Broadcaster) Stop() {
	b.timer.Cancel()
	b.fire()
}

// Close disarms the timer without sending anything.
func (b *Broadcaster) Close() {
	b.timer.Cancel()
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()
}

// Active reports whether typing=true was sent and not yet ended.
func (b *Broadcaster) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *Broadcaster) fire() {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return
	}
	b.active = false
	b.mu.Unlock()

	if err := b.send(false); err != nil {
		b.logger.Debug("Failed to send typing stop", "error", err)
	}
}
