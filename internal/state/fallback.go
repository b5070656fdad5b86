package state

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/user/continuity/internal/types"
)

// FallbackStore is the last-resort, node-local snapshot store used only when
// neither the durable tier nor the retry queue accepts a write. Each session
// is one JSON file at <root>/<escaped session id>.json.
type FallbackStore struct {
	root string
	mu   sync.RWMutex
}

// NewFallbackStore creates a file-backed FallbackStore rooted at the given directory.
func NewFallbackStore(root string) *FallbackStore {
	return &FallbackStore{root: root}
}

func (s *FallbackStore) path(id types.SessionID) string {
	return filepath.Join(s.root, url.PathEscape(string(id))+".json")
}

// Put writes the snapshot atomically, replacing any earlier copy.
func (s *FallbackStore) Put(id types.SessionID, session *types.SessionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fallback snapshot: %w", err)
	}
	if err := os.MkdirAll(s.root, 0o700); err != nil {
		return fmt.Errorf("create fallback dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	path := s.path(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp snapshot: %w", err)
	}
	return nil
}

// Get returns the stored snapshot or types.ErrNotFound.
func (s *FallbackStore) Get(id types.SessionID) (*types.SessionData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("read fallback snapshot: %w", err)
	}

	var session types.SessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal fallback snapshot: %w", err)
	}
	return &session, nil
}

// Delete removes a snapshot. Deleting a missing snapshot is not an error.
func (s *FallbackStore) Delete(id types.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove fallback snapshot: %w", err)
	}
	return nil
}

// List returns the stored session IDs, oldest write first.
func (s *FallbackStore) List() ([]types.SessionID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read fallback dir: %w", err)
	}

	type stamped struct {
		id      types.SessionID
		modTime int64
	}
	var found []stamped
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		found = append(found, stamped{id: types.SessionID(id), modTime: info.ModTime().UnixNano()})
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].modTime == found[j].modTime {
			return found[i].id < found[j].id
		}
		return found[i].modTime < found[j].modTime
	})

	ids := make([]types.SessionID, len(found))
	for i, f := range found {
		ids[i] = f.id
	}
	return ids, nil
}
