package typing

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder collects the typing states handed to a SendFunc.
type recorder struct {
	mu    sync.Mutex
	sends []bool
}

func (r *recorder) send(typing bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, typing)
	return nil
}

func (r *recorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.sends))
	copy(out, r.sends)
	return out
}

func TestIndicator_SetAndStop(t *testing.T) {
	clock := newFakeClock()
	ind := NewIndicator("me", WithClock(clock.Now))

	ind.Set("alice", "Alice", true)
	ind.Set("bob", "Bob", true)
	assert.Equal(t, []string{"alice", "bob"}, ind.Active())
	assert.Equal(t, "Alice, Bob are typing…", ind.Render())

	ind.Set("bob", "Bob", false)
	assert.Equal(t, []string{"alice"}, ind.Active())
	assert.Equal(t, "Alice is typing…", ind.Render())
}

func TestIndicator_IgnoresSelf(t *testing.T) {
	ind := NewIndicator("me")
	ind.Set("me", "Me", true)
	assert.Empty(t, ind.Active())
	assert.Equal(t, "", ind.Render())
}

func TestIndicator_PassiveExpiry(t *testing.T) {
	clock := newFakeClock()
	ind := NewIndicator("me", WithClock(clock.Now), WithTTL(3*time.Second))

	ind.Set("alice", "", true)
	_, ok := ind.ExpiresAt("alice")
	require.True(t, ok)

	clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"alice"}, ind.Active(), "still inside TTL")

	// A missed typing=false event must not leave the flag forever.
	clock.Advance(2 * time.Second)
	assert.Empty(t, ind.Active())
	_, ok = ind.ExpiresAt("alice")
	assert.False(t, ok)
}

func TestIndicator_RefreshExtendsExpiry(t *testing.T) {
	clock := newFakeClock()
	ind := NewIndicator("me", WithClock(clock.Now), WithTTL(3*time.Second))

	ind.Set("alice", "", true)
	clock.Advance(2 * time.Second)
	ind.Set("alice", "", true)
	clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"alice"}, ind.Active())
}

func TestIndicator_Reset(t *testing.T) {
	ind := NewIndicator("me")
	ind.Set("alice", "", true)
	ind.Reset()
	assert.Empty(t, ind.Active())
}

func TestDebounceTimer_FiresOnce(t *testing.T) {
	var fired atomic.Int32
	timer := NewDebounceTimer(func() { fired.Add(1) })

	timer.Arm(20 * time.Millisecond)
	assert.True(t, timer.Armed())

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, timer.Armed())
}

func TestDebounceTimer_RearmSuppressesEarlierFire(t *testing.T) {
	var fired atomic.Int32
	timer := NewDebounceTimer(func() { fired.Add(1) })

	for i := 0; i < 5; i++ {
		timer.Arm(40 * time.Millisecond)
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestDebounceTimer_Cancel(t *testing.T) {
	var fired atomic.Int32
	timer := NewDebounceTimer(func() { fired.Add(1) })

	timer.Arm(20 * time.Millisecond)
	assert.True(t, timer.Cancel())
	assert.False(t, timer.Cancel())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestBroadcaster_DebouncesStop(t *testing.T) {
	rec := &recorder{}
	b := NewBroadcaster(40*time.Millisecond, rec.send, nil)
	defer b.Close()

	// Rapid edits send a single start and no intermediate stop.
	for i := 0; i < 4; i++ {
		b.Keystroke()
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, []bool{true}, rec.get())
	assert.True(t, b.Active())

	require.Eventually(t, func() bool {
		return len(rec.get()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, rec.get())
	assert.False(t, b.Active())
}

func TestBroadcaster_RefreshesDuringLongBurst(t *testing.T) {
	rec := &recorder{}
	b := NewBroadcaster(100*time.Millisecond, rec.send, nil, RefreshEvery(30*time.Millisecond))
	defer b.Close()

	// Typing for several refresh periods repeats the start and never stops.
	for i := 0; i < 20; i++ {
		b.Keystroke()
		time.Sleep(10 * time.Millisecond)
	}
	sent := rec.get()
	require.GreaterOrEqual(t, len(sent), 3)
	for _, typing := range sent {
		assert.True(t, typing, "no typing=false while the burst continues")
	}
	assert.LessOrEqual(t, len(sent), 10, "refreshes are rate limited, not sent per keystroke")
}

func TestBroadcaster_StopSendsImmediately(t *testing.T) {
	rec := &recorder{}
	b := NewBroadcaster(time.Second, rec.send, nil)

	b.Keystroke()
	b.Stop()
	assert.Equal(t, []bool{true, false}, rec.get())

	// Stop without an active state sends nothing.
	b.Stop()
	assert.Equal(t, []bool{true, false}, rec.get())
}

func TestBroadcaster_CloseIsSilent(t *testing.T) {
	rec := &recorder{}
	b := NewBroadcaster(20*time.Millisecond, rec.send, nil)

	b.Keystroke()
	b.Close()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []bool{true}, rec.get())
}
