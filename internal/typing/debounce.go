package typing

import (
	"sync"
	"time"
)

// DebounceTimer runs a callback once the timer has not been re-armed for the
// armed duration. Arming again replaces any pending fire.
type DebounceTimer struct {
	mu    sync.Mutex
	fn    func()
	timer *time.Timer
	gen   uint64
}

// NewDebounceTimer creates a disarmed timer that calls fn when it fires.
func NewDebounceTimer(fn func()) *DebounceTimer {
	return &DebounceTimer{fn: fn}
}

// Arm schedules fn to run after d, cancelling any earlier schedule.
func (t *DebounceTimer) Arm(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		// A Stop that lost the race with the runtime leaves a stale callback.
		if gen != t.gen || t.timer == nil {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.mu.Unlock()
		t.fn()
	})
}

// Cancel disarms the timer. It reports whether a fire was pending.
func (t *DebounceTimer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer == nil {
		return false
	}
	t.timer.Stop()
	t.timer = nil
	t.gen++
	return true
}

// Armed reports whether a fire is pending.
func (t *DebounceTimer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}
