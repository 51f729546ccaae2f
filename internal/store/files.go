package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/nfrund/roomsync/internal/domain"
)

// SnapshotFiles stores one JSON document snapshot per room on an afero
// filesystem. Writes go to a temporary file that is renamed into place.
type SnapshotFiles struct {
	mu  sync.Mutex
	fs  afero.Fs
	dir string
}

var _ DocumentStore = (*SnapshotFiles)(nil)

// NewSnapshotFiles stores snapshots under dir on fs.
func NewSnapshotFiles(fs afero.Fs, dir string) *SnapshotFiles {
	return &SnapshotFiles{fs: fs, dir: dir}
}

func (s *SnapshotFiles) path(roomID string) (string, error) {
	if roomID == "" || strings.ContainsAny(roomID, `/\`) || strings.Contains(roomID, "..") {
		return "", fmt.Errorf("invalid room id %q", roomID)
	}
	return filepath.Join(s.dir, roomID+".json"), nil
}

// LoadDocument reads the snapshot of roomID. A missing file is a zero state.
func (s *SnapshotFiles) LoadDocument(_ context.Context, roomID string) (domain.DocumentState, error) {
	p, err := s.path(roomID)
	if err != nil {
		return domain.DocumentState{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, p)
	if errors.Is(err, os.ErrNotExist) {
		return domain.DocumentState{}, nil
	}
	if err != nil {
		return domain.DocumentState{}, fmt.Errorf("read snapshot %s: %w", p, err)
	}

	var state domain.DocumentState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.DocumentState{}, fmt.Errorf("decode snapshot %s: %w", p, err)
	}
	return state, nil
}

// SaveDocument writes state unless a newer version is already stored.
func (s *SnapshotFiles) SaveDocument(ctx context.Context, roomID string, state domain.DocumentState) error {
	p, err := s.path(roomID)
	if err != nil {
		return err
	}

	current, err := s.LoadDocument(ctx, roomID)
	if err != nil {
		return err
	}
	if current.Version > state.Version {
		return domain.ErrStaleUpdate
	}

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		return fmt.Errorf("write snapshot %s: %w", tmp, err)
	}
	return s.fs.Rename(tmp, p)
}

// Rooms lists the rooms that have a stored snapshot.
func (s *SnapshotFiles) Rooms() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := afero.ReadDir(s.fs, s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rooms := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rooms = append(rooms, strings.TrimSuffix(e.Name(), ".json"))
	}
	return rooms, nil
}
