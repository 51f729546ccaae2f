package store

import (
	"context"
	"sync"

	"github.com/nfrund/roomsync/internal/domain"
)

// MemoryStore keeps messages and documents in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	messages  map[string][]domain.Message // per room, oldest first
	index     map[string]map[string]int   // room -> message id -> position
	documents map[string]domain.DocumentState
}

var (
	_ MessageStore  = (*MemoryStore)(nil)
	_ DocumentStore = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:  make(map[string][]domain.Message),
		index:     make(map[string]map[string]int),
		documents: make(map[string]domain.DocumentState),
	}
}

// Append stores a new message at the end of its room's history.
func (s *MemoryStore) Append(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.index[msg.RoomID]
	if !ok {
		idx = make(map[string]int)
		s.index[msg.RoomID] = idx
	}
	if _, dup := idx[msg.ID]; dup {
		return nil
	}
	idx[msg.ID] = len(s.messages[msg.RoomID])
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], msg.Clone())
	return nil
}

// Update replaces a stored message.
func (s *MemoryStore) Update(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[msg.RoomID][msg.ID]
	if !ok {
		return ErrNotFound
	}
	s.messages[msg.RoomID][pos] = msg.Clone()
	return nil
}

// Get returns a stored message.
func (s *MemoryStore) Get(_ context.Context, roomID, messageID string) (domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.index[roomID][messageID]
	if !ok {
		return domain.Message{}, ErrNotFound
	}
	return s.messages[roomID][pos].Clone(), nil
}

// Page returns one page of history, newest page first.
func (s *MemoryStore) Page(_ context.Context, roomID string, page, pageSize int) (MessagePage, error) {
	page, pageSize = normalizePage(page, pageSize)

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[roomID]
	end := len(all) - (page-1)*pageSize
	if end < 0 {
		end = 0
	}
	start := end - pageSize
	if start < 0 {
		start = 0
	}

	out := make([]domain.Message, 0, end-start)
	for _, m := range all[start:end] {
		out = append(out, m.Clone())
	}
	return MessagePage{
		Messages: out,
		Page:     page,
		PageSize: pageSize,
		HasMore:  start > 0,
	}, nil
}

// LoadDocument returns the stored document, or a zero state.
func (s *MemoryStore) LoadDocument(_ context.Context, roomID string) (domain.DocumentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.documents[roomID], nil
}

// SaveDocument stores state if it is not older than what is stored.
func (s *MemoryStore) SaveDocument(_ context.Context, roomID string, state domain.DocumentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.documents[roomID]; ok && cur.Version > state.Version {
		return domain.ErrStaleUpdate
	}
	s.documents[roomID] = state
	return nil
}
