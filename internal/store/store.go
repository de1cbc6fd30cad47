// Package store provides crash-safe tracker persistence using JSON files.
//
// The tracker is saved as a single file, tracker.json, together with the
// last block the event subscriber delivered. Writes use atomic file
// replacement (write to .tmp, then rename) so a crash mid-save leaves the
// previous file intact. The engine saves every store.save_interval and on
// shutdown, and loads once on startup for a warm start before the first
// indexer pull.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vault-keeper/internal/tracker"
)

const (
	trackerFile   = "tracker.json"
	formatVersion = 1
)

// Checkpoint is what the store persists.
type Checkpoint struct {
	Version        int           `json:"version"`
	SavedAt        time.Time     `json:"saved_at"`
	LastEventBlock uint64        `json:"last_event_block"`
	State          tracker.State `json:"state"`
}

// Store persists tracker state to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string     // directory containing tracker.json
	mu  sync.Mutex // serializes all file operations
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveTracker atomically persists the tracker state.
func (s *Store) SaveTracker(state tracker.State, lastEventBlock uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(Checkpoint{
		Version:        formatVersion,
		SavedAt:        time.Now().UTC(),
		LastEventBlock: lastEventBlock,
		State:          state,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tracker: %w", err)
	}

	path := filepath.Join(s.dir, trackerFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write tracker: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadTracker restores the last saved checkpoint.
// Returns nil, nil if nothing was saved yet (fresh start).
func (s *Store) LoadTracker() (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, trackerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tracker: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal tracker: %w", err)
	}
	if cp.Version != formatVersion {
		return nil, fmt.Errorf("tracker file version %d, want %d", cp.Version, formatVersion)
	}
	return &cp, nil
}
