// Package dispatch routes inbound events to listeners keyed by room and event kind.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nfrund/roomsync/internal/events"
)

// Handler processes one inbound envelope.
type Handler func(ctx context.Context, env events.Envelope) error

type key struct {
	room string
	kind events.Kind
}

type listener struct {
	id      uint64
	handler Handler
}

// Subscription identifies a registered listener.
type Subscription struct {
	router *Router
	key    key
	id     uint64
}

// Unsubscribe removes the listener. It is safe to call more than once.
func (s Subscription) Unsubscribe() {
	if s.router == nil {
		return
	}
	s.router.remove(s.key, s.id)
}

// Router is an observer list keyed by (roomID, kind). Several listeners may
// share a key and each can be removed independently.
type Router struct {
	mu        sync.RWMutex
	listeners map[key][]listener
	nextID    uint64
	logger    *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		listeners: make(map[key][]listener),
		logger:    logger.With("component", "dispatch"),
	}
}

// Subscribe registers handler for events of kind in roomID.
func (r *Router) Subscribe(roomID string, kind events.Kind, handler Handler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	k := key{room: roomID, kind: kind}
	r.listeners[k] = append(r.listeners[k], listener{id: r.nextID, handler: handler})
	return Subscription{router: r, key: k, id: r.nextID}
}

func (r *Router) remove(k key, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ls := r.listeners[k]
	for i, l := range ls {
		if l.id == id {
			r.listeners[k] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(r.listeners[k]) == 0 {
		delete(r.listeners, k)
	}
}

// UnsubscribeRoom drops every listener of roomID. When it returns no handler of
// that room will be invoked by a later Dispatch.
func (r *Router) UnsubscribeRoom(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for k, ls := range r.listeners {
		if k.room == roomID {
			removed += len(ls)
			delete(r.listeners, k)
		}
	}
	return removed
}

// HasRoom reports whether any listener is registered for roomID.
func (r *Router) HasRoom(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for k := range r.listeners {
		if k.room == roomID {
			return true
		}
	}
	return false
}

// Dispatch delivers env to the listeners of its room and kind. Events with no
// listener are dropped and reported as not delivered.
func (r *Router) Dispatch(ctx context.Context, env events.Envelope) bool {
	r.mu.RLock()
	ls := r.listeners[key{room: env.RoomID, kind: env.Type}]
	handlers := make([]Handler, len(ls))
	for i, l := range ls {
		handlers[i] = l.handler
	}
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.Debug("Dropping event with no listener",
			"room_id", env.RoomID,
			"type", env.Type)
		return false
	}

	for _, h := range handlers {
		if err := h(ctx, env); err != nil {
			r.logger.Warn("Event handler failed",
				"room_id", env.RoomID,
				"type", env.Type,
				"error", err)
		}
	}
	return true
}
